package config

import "fmt"

const (
	defaultDataDir             = "~/.local/share/conveyor"
	defaultLogDir              = "~/.local/share/conveyor/logs"
	defaultAPIBind             = "127.0.0.1:7610"
	defaultBusDriver           = "memory"
	defaultBusStream           = "PIPELINE"
	defaultLogLevel            = "info"
	defaultLogFormat           = "console"
	defaultDispatchInterval    = 2
	defaultErrorRetryInterval  = 5
	defaultLeaseTTL            = 60
	defaultSweepInterval       = 15
	defaultRetentionDays       = 30
	defaultMaxDispatchBatch    = 16
	defaultStageTimeoutSeconds = 120
	defaultBackoffBaseMS       = 500
	defaultBackoffCapMS        = 60000
)

// PipelineOrder is the default digest pipeline, in execution order.
var PipelineOrder = []string{
	"intake",
	"classifier",
	"graph_extract",
	"embeddings",
	"env_synthesis",
	"safety",
	"runner",
	"integrator",
	"registrar",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	stages := make([]Stage, 0, len(PipelineOrder))
	for i, name := range PipelineOrder {
		idempotent := true
		stages = append(stages, Stage{
			Name:           name,
			Endpoint:       defaultStageEndpoint(i),
			TimeoutSeconds: defaultStageTimeoutSeconds,
			MaxRetries:     2,
			BackoffBaseMS:  defaultBackoffBaseMS,
			BackoffCapMS:   defaultBackoffCapMS,
			Idempotent:     &idempotent,
		})
	}
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Bus: Bus{
			Driver: defaultBusDriver,
			Stream: defaultBusStream,
		},
		Workflow: Workflow{
			DispatchInterval:   defaultDispatchInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			LeaseTTL:           defaultLeaseTTL,
			SweepInterval:      defaultSweepInterval,
			RetentionDays:      defaultRetentionDays,
			MaxDispatchBatch:   defaultMaxDispatchBatch,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Stages: stages,
	}
}

func defaultStageEndpoint(position int) string {
	// Stage workers are addressed on sequential ports by convention.
	return fmt.Sprintf("http://127.0.0.1:%d/process", 8081+position)
}
