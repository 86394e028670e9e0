package orchestrator

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

// ErrAdmissionDenied is returned by Register when the experiment's
// configured participant cap has already been reached.
const ErrAdmissionDenied sentinelError = "orchestrator: admission denied, participant cap reached"
