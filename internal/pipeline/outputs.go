package pipeline

// Well-known Outputs keys written by the delivery stages.
const (
	OutBuildDurationMS      = "build_duration_ms"
	OutSourceDigest         = "source_digest"
	OutArtifactURI          = "artifact_uri"
	OutPreflightWarnings    = "preflight_warnings"
	OutUnitTests            = "unit_tests"
	OutProductURL           = "product_url"
	OutDeploymentID         = "deployment_id"
	OutProviderProjectID    = "provider_project_id"
	OutPreviousDeploymentID = "previous_deployment_id"
	OutActiveDeploymentID   = "active_deployment_id"
	OutTestReport           = "test_report"
	OutQualityGate          = "quality_gate"
	OutDomain               = "domain"
	OutAdminToken           = "admin_token"
	OutNotificationID       = "notification_message_id"
	OutAcceptedAt           = "accepted_at"
	OutAcceptedBy           = "accepted_by"
	OutAcceptanceMode       = "acceptance_mode"
	OutSignedOffAt          = "signed_off_at"
	OutRecoveryAction       = "recovery_action"
)
