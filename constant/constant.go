package constant

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusExpired    JobStatus = "EXPIRED"
)

// Terminal reports whether no further transitions can move the job forward.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusExpired:
		return true
	default:
		return false
	}
}

type JobKind string

const (
	JobKindMediaToText JobKind = "media-to-text"
	JobKindTextToAudio JobKind = "text-to-audio"
)

func (k JobKind) Valid() bool {
	return k == JobKindMediaToText || k == JobKindTextToAudio
}

const (
	VoiceMale   = "male"
	VoiceFemale = "female"
)

// Failure reasons recorded on jobs that never reached a worker outcome.
const (
	ReasonCancelled    = "cancelled"
	ReasonQueueFull    = "queue full"
	ReasonLeaseExpired = "lease expired"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
