package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/m4xw311/agentlib/errors"
	"gopkg.in/yaml.v3"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".agentlib"

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer is a remote tool source. Command starts a stdio server; URL
// connects to a streamable HTTP server instead.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

// RemoteAgent is another agent reachable over A2A, exposed as a tool.
type RemoteAgent struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	MaxTokens            int              `yaml:"max_tokens"`
	Temperature          *float64         `yaml:"temperature"`
	RedundantToolInfo    bool             `yaml:"redundant_tool_info"`
	OutputSchema         string           `yaml:"output_schema"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	RemoteAgents         []RemoteAgent    `yaml:"remote_agents"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Telemetry            Telemetry        `yaml:"telemetry"`
}

// Default returns the configuration used before any file is applied.
func Default() *Config {
	cfg := &Config{
		LLMClient:         "mock",
		MaxTokens:         4096,
		RedundantToolInfo: true,
	}
	// The config directory is hidden from the filesystem tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, DirName, DirName+"/**")
	return cfg
}

// LoadConfig loads .env, then configuration from the user's home directory
// and the current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := loadDotEnv(filepath.Join(wd, ".env")); err != nil {
		return nil, err
	}

	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DirName, "config.yaml"))
	}
	paths = append(paths, filepath.Join(wd, DirName, "config.yaml"))
	return load(paths...)
}

func load(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites fields present in the YAML, so later files
	// replace individual keys of earlier ones.
	return yaml.Unmarshal(data, cfg)
}

// loadDotEnv exports variables from path without overriding ones already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "error loading %s", path)
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
