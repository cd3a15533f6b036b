// Package p2p delivers proposals, votes and foreign proposals between
// shard-group committee members over HTTP, generalizing the teacher's
// HTTPPeerManager idiom: one shared http.Client, a RWMutex-guarded peer
// registry keyed by hex-encoded validator public key, active/inactive
// peer tracking updated on every request, and JSON request/response
// bodies.
package p2p

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dan-network/validator-core/pkg/consensus"
	"github.com/dan-network/validator-core/pkg/dantypes"
)

// Peer is one known committee member's network identity.
type Peer struct {
	PublicKey []byte
	Endpoint  string
	IsActive  bool
	LastSeen  time.Time
}

// PeerConfig is a peer as read from static configuration.
type PeerConfig struct {
	PublicKey []byte
	Endpoint  string
}

// CommitteeSource resolves which peers currently make up a shard group's
// committee, so BroadcastProposal and SendForeignProposal know who to
// dial without the caller naming individual peers. Satisfied structurally
// by *epochmanager.StaticManager.
type CommitteeSource interface {
	CommitteeForShardGroup(epoch dantypes.Epoch, group dantypes.ShardGroup) ([][]byte, error)
}

// ClientConfig bundles a Client's dependencies.
type ClientConfig struct {
	Peers          []PeerConfig
	Committee      CommitteeSource
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Client is the outbound half of the peer-to-peer transport: it
// implements consensus.ProposalTransport, consensus.VoteTransport and
// foreignbus.Transport over HTTP.
type Client struct {
	httpClient *http.Client
	committee  CommitteeSource

	peersMu sync.RWMutex
	peers   map[string]*Peer // keyed by hex public key

	logger *log.Logger
}

// NewClient constructs a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[P2P] ", log.LstdFlags)
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		committee:  cfg.Committee,
		peers:      map[string]*Peer{},
		logger:     logger,
	}
	for _, pc := range cfg.Peers {
		c.AddPeer(pc.PublicKey, pc.Endpoint)
	}
	return c
}

func peerKey(pub []byte) string { return hex.EncodeToString(pub) }

// AddPeer registers or replaces a peer's endpoint.
func (c *Client) AddPeer(pub []byte, endpoint string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[peerKey(pub)] = &Peer{PublicKey: pub, Endpoint: endpoint, IsActive: true}
}

// RemovePeer drops a peer from the registry.
func (c *Client) RemovePeer(pub []byte) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peers, peerKey(pub))
}

// ActivePeers returns every peer most recently reached successfully.
func (c *Client) ActivePeers() []*Peer {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func (c *Client) peerFor(pub []byte) (*Peer, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	p, ok := c.peers[peerKey(pub)]
	return p, ok
}

func (c *Client) markActive(pub []byte) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if p, ok := c.peers[peerKey(pub)]; ok {
		p.IsActive = true
		p.LastSeen = time.Now()
	}
}

func (c *Client) markInactive(pub []byte) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if p, ok := c.peers[peerKey(pub)]; ok {
		p.IsActive = false
	}
}

// post marshals body, POSTs it to endpoint+path, and unmarshals the
// response into out (if non-nil), flipping the target peer's active flag
// based on the outcome.
func (c *Client) post(ctx context.Context, pub []byte, endpoint, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.markInactive(pub)
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.markInactive(pub)
		return fmt.Errorf("peer returned status %d: %s", resp.StatusCode, string(respBody))
	}

	c.markActive(pub)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// BroadcastProposal implements consensus.ProposalTransport: it sends the
// proposal to every currently-registered member of the block's own
// (epoch, shard group) committee other than itself, logging and
// continuing past individual peer failures rather than aborting the
// whole broadcast.
func (c *Client) BroadcastProposal(ctx context.Context, block dantypes.Block, pledge dantypes.BlockPledge) error {
	members, err := c.committeeMembers(block.Header.Epoch, block.Header.ShardGroup)
	if err != nil {
		return err
	}
	body := toProposalWire(Proposal{Block: block, Pledges: pledge})

	for _, pub := range members {
		peer, ok := c.peerFor(pub)
		if !ok {
			continue
		}
		if err := c.post(ctx, pub, peer.Endpoint, "/p2p/proposal", body, nil); err != nil {
			c.logger.Printf("⚠️ failed to deliver proposal %s to %x: %v", block.ID, pub, err)
		}
	}
	return nil
}

// SendVote implements consensus.VoteTransport.
func (c *Client) SendVote(ctx context.Context, to []byte, vote consensus.Vote) error {
	peer, ok := c.peerFor(to)
	if !ok {
		return fmt.Errorf("no known peer for collector %x", to)
	}
	body := voteWire{
		BlockID: vote.BlockID, Epoch: vote.Epoch, Height: vote.Height,
		Decision: vote.Decision, Signature: vote.Signature, Signer: vote.Signer,
	}
	return c.post(ctx, to, peer.Endpoint, "/p2p/vote", body, nil)
}

// SendForeignProposal implements foreignbus.Transport: it dials any
// currently-known committee member of the destination shard group. The
// sender's epoch is not carried by this call (mirroring the static,
// non-rotating committee model pkg/epochmanager implements today), so
// epoch 0 is used to resolve the destination committee.
func (c *Client) SendForeignProposal(ctx context.Context, to dantypes.ShardGroup, blockID dantypes.BlockId, foreignIndex uint64, pledges dantypes.BlockPledge) error {
	members, err := c.committeeMembers(0, to)
	if err != nil {
		return err
	}
	body := foreignProposalWire{
		To: toShardGroupWire(to), BlockID: blockID, ForeignIndex: foreignIndex,
		Pledges: toPledgeWire(pledges),
	}
	var lastErr error
	for _, pub := range members {
		peer, ok := c.peerFor(pub)
		if !ok {
			continue
		}
		if err := c.post(ctx, pub, peer.Endpoint, "/p2p/foreign-proposal", body, nil); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no reachable peer in shard group %s", to)
}

// RequestSync asks a specific peer for the blocks it holds in the given
// range, the catch-up path a replica drives after falling behind.
func (c *Client) RequestSync(ctx context.Context, from []byte, req SyncRequest) (SyncResponse, error) {
	peer, ok := c.peerFor(from)
	if !ok {
		return SyncResponse{}, fmt.Errorf("no known peer %x", from)
	}
	var wire syncResponseWire
	if err := c.post(ctx, from, peer.Endpoint, "/p2p/sync", toSyncRequestWire(req), &wire); err != nil {
		return SyncResponse{}, err
	}
	return fromSyncResponseWire(wire), nil
}

// resyncWindow bounds how many heights past afterIndex a resync nudge
// asks a peer to confirm at once.
const resyncWindow = 64

// RequestResync implements foreignbus.Resyncer: it asks any
// currently-known committee member of group to confirm the chain past
// afterIndex is still moving. foreign_index and block height are
// different axes (a group's foreign_index sequence only increments on
// blocks that actually carry commands touching us), so afterIndex is
// used directly as AfterHeight here as the closest available
// approximation absent a dedicated foreign-index-addressed catch-up
// protocol; per handleSync, a synced block doesn't carry the pledges a
// deferred ForeignProposal is actually waiting on, so this nudge alone
// doesn't close the gap. It unblocks a stalled sender (one that hasn't
// retried its own send) by forcing a round-trip that reveals it's still
// alive and proposing; the buffered proposal itself is still filled in
// by ReceiveForeignProposal's normal replay once the sender's next send
// (or retry) arrives.
func (c *Client) RequestResync(ctx context.Context, group dantypes.ShardGroup, afterIndex uint64) error {
	members, err := c.committeeMembers(0, group)
	if err != nil {
		return err
	}
	req := SyncRequest{
		ShardGroup:  group,
		AfterHeight: dantypes.NodeHeight(afterIndex),
		ToHeight:    dantypes.NodeHeight(afterIndex) + resyncWindow,
	}
	var lastErr error
	for _, pub := range members {
		if _, err := c.RequestSync(ctx, pub, req); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no reachable peer in shard group %s", group)
}

func (c *Client) committeeMembers(epoch dantypes.Epoch, group dantypes.ShardGroup) ([][]byte, error) {
	if c.committee == nil {
		return nil, nil
	}
	return c.committee.CommitteeForShardGroup(epoch, group)
}
