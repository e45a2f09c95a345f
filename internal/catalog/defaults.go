package catalog

import "time"

// Stage ids of the default delivery catalog.
const (
	Building           StageID = "building"
	Testing            StageID = "testing"
	Deploying          StageID = "deploying"
	Verifying          StageID = "verifying"
	Configuring        StageID = "configuring"
	Notifying          StageID = "notifying"
	AwaitingAcceptance StageID = "awaiting_acceptance"
	SignedOff          StageID = "signed_off"
	Recovering         StageID = "recovering"
)

// DefaultDefinitions returns the delivery stages from "build ready" to
// "signed off". The slice is fresh on every call so callers may override
// timeouts and retry limits before building a Catalog.
func DefaultDefinitions() []StageDefinition {
	return []StageDefinition{
		{
			ID:                Building,
			Name:              "Building",
			Description:       "Pre-flight the source tree, run the build and archive the result",
			EstimatedDuration: 3 * time.Minute,
			Timeout:           15 * time.Minute,
			CanRetry:          true,
			MaxRetries:        3,
			NextStage:         Testing,
		},
		{
			ID:                Testing,
			Name:              "Testing",
			Description:       "Run the product's unit tests",
			EstimatedDuration: 2 * time.Minute,
			Timeout:           15 * time.Minute,
			CanSkip:           true,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{Building},
			NextStage:         Deploying,
		},
		{
			ID:                Deploying,
			Name:              "Deploying",
			Description:       "Deploy the product to the hosting provider",
			EstimatedDuration: 4 * time.Minute,
			Timeout:           20 * time.Minute,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{Testing},
			NextStage:         Verifying,
			FailureStage:      Recovering,
		},
		{
			ID:                Verifying,
			Name:              "Verifying",
			Description:       "Run end-to-end scenarios against the live deployment",
			EstimatedDuration: 3 * time.Minute,
			Timeout:           20 * time.Minute,
			CanSkip:           true,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{Deploying},
			NextStage:         Configuring,
			FailureStage:      Recovering,
			QualityGate:       true,
		},
		{
			ID:                Configuring,
			Name:              "Configuring",
			Description:       "Attach the custom domain and issue admin access",
			EstimatedDuration: time.Minute,
			Timeout:           5 * time.Minute,
			CanSkip:           true,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{Verifying},
			NextStage:         Notifying,
			FailureStage:      Recovering,
		},
		{
			ID:                Notifying,
			Name:              "Notifying",
			Description:       "Tell the customer their product is ready",
			EstimatedDuration: 30 * time.Second,
			Timeout:           2 * time.Minute,
			CanSkip:           true,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{Configuring},
			NextStage:         AwaitingAcceptance,
		},
		{
			ID:                AwaitingAcceptance,
			Name:              "Awaiting acceptance",
			Description:       "Wait for the customer to accept the delivery",
			EstimatedDuration: 72 * time.Hour,
			Timeout:           96 * time.Hour,
			CanSkip:           true,
			Dependencies:      []StageID{Notifying},
			NextStage:         SignedOff,
		},
		{
			ID:                SignedOff,
			Name:              "Signed off",
			Description:       "Record the hand-off and send the sign-off notice",
			EstimatedDuration: 10 * time.Second,
			Timeout:           2 * time.Minute,
			CanRetry:          true,
			MaxRetries:        3,
			Dependencies:      []StageID{AwaitingAcceptance},
		},
		{
			ID:                Recovering,
			Name:              "Recovering",
			Description:       "Roll back to the last good deployment after a failed release step",
			EstimatedDuration: 2 * time.Minute,
			Timeout:           10 * time.Minute,
			CanSkip:           true,
			CanRetry:          true,
			MaxRetries:        1,
			Dependencies:      []StageID{Building},
		},
	}
}

// Default builds the default delivery catalog.
func Default() *Catalog {
	return MustNew(DefaultDefinitions())
}
