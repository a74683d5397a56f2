package types

// Stage represents the deployment environment.
type Stage string

const (
	// StageDev represents the development environment.
	StageDev Stage = "dev"
	// StageStage represents the staging environment.
	StageStage Stage = "stage"
	// StageProd represents the production environment.
	StageProd Stage = "prod"
)

// IsValid checks if the stage value is valid.
func (s Stage) IsValid() bool {
	switch s {
	case StageDev, StageStage, StageProd:
		return true
	default:
		return false
	}
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}
