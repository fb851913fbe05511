package otel

// ExporterType selects where self-telemetry is shipped.
type ExporterType string

const (
	// ExporterNone disables the signal (no-op providers).
	ExporterNone ExporterType = "none"
	// ExporterStdout writes to stdout, useful for debugging.
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// ParseExporterType maps a configuration string to an ExporterType,
// defaulting unknown values to none so a typo never breaks the agent.
func ParseExporterType(s string) ExporterType {
	switch ExporterType(s) {
	case ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
		return ExporterType(s)
	default:
		return ExporterNone
	}
}
