package telemetry

// Config holds OTEL exporter configuration.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
	// Rig names this rig in exported attributes.
	Rig string `yaml:"rig" json:"rig"`
}
