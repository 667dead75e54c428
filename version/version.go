package version

import "fmt"

var (
	Version = "0.1"
	GitHash = "dev"
	BuildTS = "" // to be replaced at build time
	Model   = "S9"
	Agent   = "s9_miner/" + Version
)

type VersionConfig struct {
	Version string `yaml:"version"`
	GitHash string `yaml:"git_hash"`
	BuildTS string `yaml:"build_ts"`
	Model   string `yaml:"model"`
	Agent   string `yaml:"agent"`
}

func GetVersionConfig() VersionConfig {
	return VersionConfig{
		Version: Version,
		GitHash: GitHash,
		BuildTS: BuildTS,
		Model:   Model,
		Agent:   Agent,
	}
}

// String is the one line version shown by the CLI.
func String() string {
	s := fmt.Sprintf("%s (%s) for %s", Version, GitHash, Model)
	if BuildTS != "" {
		s += ", built " + BuildTS
	}
	return s
}
