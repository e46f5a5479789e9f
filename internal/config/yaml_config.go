package config

// YamlConfig mirrors the raw config file shape (§6.1): the top-level
// listen/proxy/timeout settings plus the apps map, each entry of which is
// decoded a second time once its "type" discriminator is known.
type YamlConfig struct {
	ListenAddr            string                            `yaml:"listen_addr"`
	MaxRequestBodyBytes   int64                             `yaml:"max_request_body_bytes"`
	Proxy                 string                             `yaml:"proxy"`
	RequestTimeoutSeconds int                                `yaml:"request_timeout_seconds"`
	Apps                  map[string]map[string]interface{} `yaml:"apps"`
}
