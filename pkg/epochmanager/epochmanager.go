// Package epochmanager stands in for the external epoch manager referenced
// only by interface in spec.md §1/§2: "who is in committee X at epoch E",
// "what shard-group am I in". It is intentionally a narrow, genesis-file
// backed implementation, not a real epoch-rotation/staking engine — that
// machinery lives in the base-layer scanning collaborator, out of scope
// here.
package epochmanager

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dan-network/validator-core/pkg/dantypes"
)

// Manager answers committee/shard-group membership questions. The
// consensus engine, the foreign-proposal bus and the RPC surface all
// depend on this narrow interface rather than a concrete implementation.
type Manager interface {
	// CommitteeForShardGroup returns the public keys of every validator
	// assigned to group in epoch.
	CommitteeForShardGroup(epoch dantypes.Epoch, group dantypes.ShardGroup) ([][]byte, error)
	// MyShardGroup returns the shard group this validator process is
	// assigned to in epoch.
	MyShardGroup(epoch dantypes.Epoch) (dantypes.ShardGroup, error)
	// ValidatorsAt returns every committee member across every shard
	// group active in epoch, keyed by shard group.
	ValidatorsAt(epoch dantypes.Epoch) (map[dantypes.ShardGroup][][]byte, error)
	// LeaderAt returns the proposer's public key for (epoch, group,
	// height), a deterministic round-robin over the committee.
	LeaderAt(epoch dantypes.Epoch, group dantypes.ShardGroup, height dantypes.NodeHeight) ([]byte, error)
	// QuorumSize returns the minimum signer count (2f+1) for a QC to be
	// considered valid over (epoch, group).
	QuorumSize(epoch dantypes.Epoch, group dantypes.ShardGroup) (int, error)
}

// genesisShardGroup is one shard group's committee as written in
// genesis.yaml.
type genesisShardGroup struct {
	Start      dantypes.Shard `yaml:"start"`
	End        dantypes.Shard `yaml:"end"`
	Committee  []string       `yaml:"committee"` // hex-encoded public keys
}

// genesisFile is the static, yaml-encoded committee bootstrap this stub
// reads once at startup — independent of the env-var Config, matching
// the teacher's static-config-via-yaml idiom.
type genesisFile struct {
	Network          string              `yaml:"network"`
	NumPreshards     uint32              `yaml:"num_preshards"`
	MyValidatorKey   string              `yaml:"my_validator_key"`
	ShardGroups      []genesisShardGroup `yaml:"shard_groups"`
	BootstrapSubstates []struct {
		ID    string `yaml:"id"`
		Value string `yaml:"value"`
	} `yaml:"bootstrap_substates"`
}

// StaticManager is a genesis-file-backed Manager: one fixed committee
// membership for every epoch, no rotation. Suitable for a devnet or for
// an outer process that re-reads genesis.yaml on every epoch change and
// replaces the Manager wholesale.
type StaticManager struct {
	network      string
	numPreshards uint32
	myKey        []byte
	groups       []genesisShardGroup
}

// LoadFromFile reads and parses a genesis.yaml file into a StaticManager.
func LoadFromFile(path string) (*StaticManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis file: %w", err)
	}
	var gf genesisFile
	if err := yaml.Unmarshal(raw, &gf); err != nil {
		return nil, fmt.Errorf("parse genesis file: %w", err)
	}
	return newStaticManager(gf)
}

func newStaticManager(gf genesisFile) (*StaticManager, error) {
	myKey, err := decodeHexKey(gf.MyValidatorKey)
	if err != nil {
		return nil, fmt.Errorf("my_validator_key: %w", err)
	}
	return &StaticManager{
		network:      gf.Network,
		numPreshards: gf.NumPreshards,
		myKey:        myKey,
		groups:       gf.ShardGroups,
	}, nil
}

func decodeHexKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func (m *StaticManager) findGroup(group dantypes.ShardGroup) (genesisShardGroup, bool) {
	for _, g := range m.groups {
		if g.Start == group.Start && g.End == group.End {
			return g, true
		}
	}
	return genesisShardGroup{}, false
}

// CommitteeForShardGroup implements Manager.
func (m *StaticManager) CommitteeForShardGroup(epoch dantypes.Epoch, group dantypes.ShardGroup) ([][]byte, error) {
	g, ok := m.findGroup(group)
	if !ok {
		return nil, fmt.Errorf("no committee configured for shard group %s", group)
	}
	out := make([][]byte, 0, len(g.Committee))
	for _, hexKey := range g.Committee {
		k, err := decodeHexKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("committee member %q: %w", hexKey, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// MyShardGroup implements Manager: the first group whose committee
// contains our own key.
func (m *StaticManager) MyShardGroup(epoch dantypes.Epoch) (dantypes.ShardGroup, error) {
	for _, g := range m.groups {
		for _, hexKey := range g.Committee {
			k, err := decodeHexKey(hexKey)
			if err != nil {
				continue
			}
			if string(k) == string(m.myKey) {
				return dantypes.ShardGroup{Start: g.Start, End: g.End}, nil
			}
		}
	}
	return dantypes.ShardGroup{}, fmt.Errorf("validator key not found in any configured shard group")
}

// ValidatorsAt implements Manager.
func (m *StaticManager) ValidatorsAt(epoch dantypes.Epoch) (map[dantypes.ShardGroup][][]byte, error) {
	out := make(map[dantypes.ShardGroup][][]byte, len(m.groups))
	for _, g := range m.groups {
		group := dantypes.ShardGroup{Start: g.Start, End: g.End}
		members, err := m.CommitteeForShardGroup(epoch, group)
		if err != nil {
			return nil, err
		}
		out[group] = members
	}
	return out, nil
}

// LeaderAt implements Manager as a deterministic round-robin over the
// committee, ordered as configured in genesis.yaml.
func (m *StaticManager) LeaderAt(epoch dantypes.Epoch, group dantypes.ShardGroup, height dantypes.NodeHeight) ([]byte, error) {
	committee, err := m.CommitteeForShardGroup(epoch, group)
	if err != nil {
		return nil, err
	}
	if len(committee) == 0 {
		return nil, fmt.Errorf("shard group %s has an empty committee", group)
	}
	return committee[uint64(height)%uint64(len(committee))], nil
}

// QuorumSize implements Manager: 2f+1 out of a committee of size n, with
// f the largest value such that 3f+1 <= n. Committees of fewer than four
// members (f = 0) get a quorum of 1.
func (m *StaticManager) QuorumSize(epoch dantypes.Epoch, group dantypes.ShardGroup) (int, error) {
	committee, err := m.CommitteeForShardGroup(epoch, group)
	if err != nil {
		return 0, err
	}
	n := len(committee)
	f := (n - 1) / 3
	q := 2*f + 1
	if q > n {
		q = n
	}
	if q < 1 {
		q = 1
	}
	return q, nil
}

// NumPreshards returns the number of preshards configured in genesis.
func (m *StaticManager) NumPreshards() uint32 { return m.numPreshards }

// Network returns the network id configured in genesis.
func (m *StaticManager) Network() string { return m.network }
