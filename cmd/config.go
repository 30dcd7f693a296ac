package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cosim-go/cosim/tieredtime"
)

// ScenarioConfig is the run configuration file format for `cosim run`: the
// simulator set, their connections, and the scheduler knobs (§1 ADDED
// Configuration), grouped into config structs the way the teacher's
// sim/config.go does.
type ScenarioConfig struct {
	Until             []int64                 `yaml:"until"`
	TimeResolution    float64                  `yaml:"time_resolution"`
	MaxLoopIterations int                      `yaml:"max_loop_iterations"`
	RTFactor          float64                  `yaml:"rt_factor"`
	RTStrict          bool                     `yaml:"rt_strict"`
	ShutdownSeconds   int                      `yaml:"shutdown_timeout_seconds"`
	Simulators        map[string]SimulatorSpec `yaml:"simulators"`
	Connections       []ConnectionSpec         `yaml:"connections"`
}

// SimulatorSpec declares one simulator's launch kind and init params.
type SimulatorSpec struct {
	Kind            string            `yaml:"kind"` // "tcp" or "docker"
	Address         string            `yaml:"address,omitempty"`
	Image           string            `yaml:"image,omitempty"`
	Cmd             []string          `yaml:"cmd,omitempty"`
	Env             []string          `yaml:"env,omitempty"`
	ExposedPort     string            `yaml:"exposed_port,omitempty"`
	DeclaredVersion string            `yaml:"api_version,omitempty"`
	ExtraParams     map[string]any    `yaml:"extra_params,omitempty"`
	Create          []CreateSpec      `yaml:"create,omitempty"`
}

// CreateSpec declares one create() call issued against a simulator during
// scenario assembly.
type CreateSpec struct {
	Num    int            `yaml:"num"`
	Model  string         `yaml:"model"`
	Params map[string]any `yaml:"params,omitempty"`
}

// ConnectionSpec declares one dependency edge (§3 Connection).
type ConnectionSpec struct {
	Src         string       `yaml:"src"`
	Dst         string       `yaml:"dst"`
	Links       []LinkSpec   `yaml:"links"`
	TimeShifted int          `yaml:"time_shifted,omitempty"`
	Weak        bool         `yaml:"weak,omitempty"`
	AsyncReqs   bool         `yaml:"async_requests,omitempty"`
}

// LinkSpec declares one (src_entity, dst_entity, attrs) triple.
type LinkSpec struct {
	SrcEntity string     `yaml:"src_entity"`
	DstEntity string     `yaml:"dst_entity"`
	Attrs     [][2]string `yaml:"attrs"`
}

// LoadScenarioConfig reads and parses a scenario YAML file.
func LoadScenarioConfig(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: reading scenario file %s: %w", path, err)
	}
	var cfg ScenarioConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cmd: parsing scenario file %s: %w", path, err)
	}
	if len(cfg.Until) == 0 {
		return nil, fmt.Errorf("cmd: scenario file %s: until horizon is required", path)
	}
	return &cfg, nil
}

// UntilTieredTime converts the YAML int slice into a TieredTime.
func (c *ScenarioConfig) UntilTieredTime() tieredtime.TieredTime {
	return tieredtime.TieredTime(c.Until)
}
