package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// Codes used across the orchestrator.
const (
	CodeConfigInvalid    = "E120"
	CodeConfigPort       = "E122"
	CodeConfigNotFound   = "E141"
	CodeCompile          = "E301"
	CodeLoad             = "E302"
	CodeDisposalTimeout  = "E303"
	CodeConfigWatch      = "E304"
	CodeListen           = "E305"
	CodeWatcher          = "E306"
	CodeToolchainMissing = "E307"
)

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Config Errors (E120-E149)
	// ============================================

	"E120": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The build configuration could not be parsed.",
	},
	"E122": {
		Category: CategoryConfig,
		Message:  "Invalid port",
	},
	"E141": {
		Category: CategoryConfig,
		Message:  "Configuration file not found",
	},

	// ============================================
	// Orchestrator Errors (E300-E349)
	// ============================================

	"E301": {
		Category: CategoryCompile,
		Message:  "Compile failed",
		Detail:   "The previous good build keeps serving until the next successful compile.",
	},
	"E302": {
		Category: CategoryRuntime,
		Message:  "Server artifact failed to load",
		Detail:   "No server instance is running until the next successful rebuild.",
	},
	"E303": {
		Category: CategoryRuntime,
		Message:  "Disposal timed out",
		Detail:   "A listener did not release its connections in time; remaining connections were killed.",
	},
	"E304": {
		Category: CategoryConfig,
		Message:  "Configuration watch failed",
	},
	"E305": {
		Category: CategoryRuntime,
		Message:  "Failed to bind listener",
	},
	"E306": {
		Category: CategoryRuntime,
		Message:  "File watcher failed",
	},
	"E307": {
		Category: CategoryCLI,
		Message:  "Go toolchain not found",
		Detail:   "The server bundle is built with 'go build'.",
	},
}

// Lookup returns the template registered for code.
func Lookup(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
