// Package execnode describes the execution clients the simulator can supervise.
// Every client-specific command line lives in a Profile so the supervisor
// never branches on the client name.
package execnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Kind identifies a supported execution client.
type Kind string

const (
	KindGeth Kind = "geth"
	KindReth Kind = "reth"
)

// ErrUnknownKind is returned for a client name outside the supported set.
var ErrUnknownKind = errors.New("unknown execution client")

// ParseKind validates a client name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGeth, KindReth:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q (supported: geth, reth)", ErrUnknownKind, s)
}

// Arg is a single extra launch flag. An empty Value emits the key alone.
type Arg struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Endpoint is where the client serves JSON-RPC and keeps its chain data.
type Endpoint struct {
	Host    string
	Port    int
	DataDir string
}

// URL returns the HTTP JSON-RPC URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.Host + ":" + strconv.Itoa(e.Port)
}

// Profile holds the command lines and on-disk layout of one client.
type Profile struct {
	Kind   Kind
	Binary string

	// VersionArgs print the client version and exit.
	VersionArgs []string

	// DataMarker is the directory under the data dir that exists once the
	// client has written chain data.
	DataMarker string

	launch func(ep Endpoint) []string
	init   func(dataDir, genesisPath string) []string
}

// String returns the client name.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return string(p.Kind)
}

// WithBinary returns a copy of the profile that runs binary instead of the default.
func (p *Profile) WithBinary(binary string) *Profile {
	cp := *p
	if binary != "" {
		cp.Binary = binary
	}
	return &cp
}

// LaunchArgs returns the node arguments serving HTTP JSON-RPC on ep, followed by extra.
func (p *Profile) LaunchArgs(ep Endpoint, extra []Arg) []string {
	args := p.launch(ep)
	for _, a := range extra {
		args = append(args, a.Key)
		if a.Value != "" {
			args = append(args, a.Value)
		}
	}
	return args
}

// InitArgs returns the arguments that initialize dataDir from genesisPath.
func (p *Profile) InitArgs(dataDir, genesisPath string) []string {
	return p.init(dataDir, genesisPath)
}

// HasChainData reports whether this client has already written chain data in dataDir.
func (p *Profile) HasChainData(dataDir string) bool {
	info, err := os.Stat(filepath.Join(dataDir, p.DataMarker))
	return err == nil && info.IsDir()
}

// GethProfile returns the go-ethereum profile.
func GethProfile() *Profile {
	return &Profile{
		Kind:        KindGeth,
		Binary:      "geth",
		VersionArgs: []string{"version"},
		DataMarker:  "geth",
		launch: func(ep Endpoint) []string {
			return []string{
				"--http",
				"--http.addr", ep.Host,
				"--http.port", strconv.Itoa(ep.Port),
				"--datadir", ep.DataDir,
				"--syncmode", "full",
			}
		},
		init: func(dataDir, genesisPath string) []string {
			return []string{"--datadir", dataDir, "init", genesisPath}
		},
	}
}

// RethProfile returns the reth profile.
func RethProfile() *Profile {
	return &Profile{
		Kind:        KindReth,
		Binary:      "reth",
		VersionArgs: []string{"--version"},
		DataMarker:  "reth",
		launch: func(ep Endpoint) []string {
			return []string{
				"node",
				"--http",
				"--http.addr", ep.Host,
				"--http.port", strconv.Itoa(ep.Port),
				"--datadir", ep.DataDir,
			}
		},
		init: func(dataDir, genesisPath string) []string {
			return []string{"init", "--datadir", dataDir, "--chain", genesisPath}
		},
	}
}
