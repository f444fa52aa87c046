package domain

// ExperimentalSettings are backend toggles resolved once per session from
// viewer preferences. ControllerKey, when set, makes the backend pick a fresh
// controller instead of reusing a warm one.
type ExperimentalSettings struct {
	DisableCache         bool   `json:"disableCache,omitempty"`
	ListenForMetrics     bool   `json:"listenForMetrics,omitempty"`
	ProfileWorkerThreads bool   `json:"profileWorkerThreads,omitempty"`
	EnableRoutines       bool   `json:"enableRoutines,omitempty"`
	RerunRoutines        bool   `json:"rerunRoutines,omitempty"`
	SampleAllTraces      bool   `json:"sampleAllTraces,omitempty"`
	ControllerKey        string `json:"controllerKey,omitempty"`
}
