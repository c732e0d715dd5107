package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"golang.org/x/time/rate"
)

// defaultKeyRotation is how often the payload encryption key rotates.
const defaultKeyRotation = 30 * time.Minute

// ConnectionInfo describes one connection attempt for validation.
type ConnectionInfo struct {
	ParticipantID string

	// UnusualLocation is set when the attempt originates from a location
	// the participant has not used before; LocationConfirmed clears the
	// suspicion after the participant verifies it.
	UnusualLocation   bool
	LocationConfirmed bool

	// ConcurrentConnections is the number of simultaneous connections
	// already held by this identity.
	ConcurrentConnections int

	// FailedAttempts is the recent count of failed connection attempts.
	FailedAttempts int

	// UnknownDevice is set for a device fingerprint never seen before;
	// TrustedDevice marks fingerprints the participant has confirmed.
	UnknownDevice bool
	TrustedDevice bool
}

// SecurityMonitorOptions configure a SecurityMonitor.
type SecurityMonitorOptions struct {
	// KeyRotation is the interval between automatic key rotations.
	// Defaults to 30 minutes.
	KeyRotation time.Duration

	// OnTerminate is the synchronous mitigation invoked for a critical
	// session hijack threat, typically wired to the session's Leave.
	OnTerminate func()

	// Metrics receives rotation and threat observations. Optional.
	Metrics *MetricsSink
}

// SecurityMonitor guards a session's outbound payloads and connection
// attempts.
//
// It holds one active symmetric key for payload encryption, rotating on
// a fixed timer; the previous key is retained for decrypting in-flight
// payloads. Cryptographic operations fail closed: any error surfaces as
// ErrCryptoFailure and raises a data_breach threat — plaintext is never
// silently passed through.
type SecurityMonitor struct {
	mu      sync.Mutex
	keys    [2]aead // [0] active, [1] previous
	threats []ThreatRecord

	rotation    time.Duration
	onTerminate func()
	metrics     *MetricsSink
	limiter     *rate.Limiter

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type aead struct {
	id     uint32
	cipher cipher.AEAD
}

// NewSecurityMonitor creates a monitor with a freshly generated key and
// starts the rotation timer.
func NewSecurityMonitor(opts SecurityMonitorOptions) (*SecurityMonitor, error) {
	if opts.KeyRotation <= 0 {
		opts.KeyRotation = defaultKeyRotation
	}

	m := &SecurityMonitor{
		rotation:    opts.KeyRotation,
		onTerminate: opts.OnTerminate,
		metrics:     opts.Metrics,
		// Validation is throttled to dampen brute-force probing.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		stopCh:  make(chan struct{}),
	}

	first, err := newAEAD(1)
	if err != nil {
		return nil, fmt.Errorf("generate initial key: %w", err)
	}
	m.keys[0] = first

	m.running = true
	m.wg.Add(1)
	go m.rotationLoop()

	return m, nil
}

func newAEAD(id uint32) (aead, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return aead{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return aead{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return aead{}, err
	}
	return aead{id: id, cipher: gcm}, nil
}

func (m *SecurityMonitor) rotationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.rotation)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.RotateKey(); err != nil {
				logger.GetLogger().Errorw("scheduled key rotation failed", err)
			}
		}
	}
}

// RotateKey generates a fresh key, demoting the active key to previous
// so payloads encrypted just before rotation still decrypt.
func (m *SecurityMonitor) RotateKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := newAEAD(m.keys[0].id + 1)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	m.keys[1] = m.keys[0]
	m.keys[0] = next

	if m.metrics != nil {
		m.metrics.Record("key_rotated", map[string]any{"keyID": next.id})
	}
	logger.GetLogger().Infow("payload encryption key rotated", "keyID", next.id)
	return nil
}

// Encrypt seals the payload with the active key. The key ID and nonce
// are prepended so Decrypt can pick the right key.
func (m *SecurityMonitor) Encrypt(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	active := m.keys[0]
	m.mu.Unlock()

	nonce := make([]byte, active.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		m.raiseCryptoThreat("nonce generation failed")
		return nil, fmt.Errorf("encrypt payload: %w: %v", ErrCryptoFailure, err)
	}

	out := make([]byte, 4+len(nonce))
	binary.BigEndian.PutUint32(out[:4], active.id)
	copy(out[4:], nonce)
	return active.cipher.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a payload sealed by Encrypt, accepting the active or the
// previous key. Any failure — malformed payload, unknown key, failed
// authentication — fails closed with ErrCryptoFailure and raises a
// data_breach threat.
func (m *SecurityMonitor) Decrypt(sealed []byte) ([]byte, error) {
	m.mu.Lock()
	keys := m.keys
	m.mu.Unlock()

	if len(sealed) < 4 {
		m.raiseCryptoThreat("payload too short")
		return nil, fmt.Errorf("decrypt payload: %w: truncated header", ErrCryptoFailure)
	}
	keyID := binary.BigEndian.Uint32(sealed[:4])

	for _, k := range keys {
		if k.cipher == nil || k.id != keyID {
			continue
		}
		nonceSize := k.cipher.NonceSize()
		if len(sealed) < 4+nonceSize {
			break
		}
		nonce := sealed[4 : 4+nonceSize]
		plaintext, err := k.cipher.Open(nil, nonce, sealed[4+nonceSize:], nil)
		if err != nil {
			m.raiseCryptoThreat("payload authentication failed")
			return nil, fmt.Errorf("decrypt payload: %w: %v", ErrCryptoFailure, err)
		}
		return plaintext, nil
	}

	m.raiseCryptoThreat(fmt.Sprintf("no key for id %d", keyID))
	return nil, fmt.Errorf("decrypt payload: %w: unknown key", ErrCryptoFailure)
}

func (m *SecurityMonitor) raiseCryptoThreat(details string) {
	m.recordThreat(ThreatRecord{
		Type:     ThreatDataBreach,
		Severity: SeverityHigh,
		Details:  details,
	})
}

// ValidateConnection scores a connection attempt against the suspicious
// pattern predicates. A single true predicate is tolerated; two or more
// simultaneously true predicates reject the attempt and record a threat.
func (m *SecurityMonitor) ValidateConnection(info ConnectionInfo) bool {
	if !m.limiter.Allow() {
		m.recordThreat(ThreatRecord{
			Type:     ThreatSuspiciousConnection,
			Severity: SeverityMedium,
			Details:  fmt.Sprintf("validation rate exceeded for %s", info.ParticipantID),
		})
		return false
	}

	suspicious := 0
	if info.UnusualLocation && !info.LocationConfirmed {
		suspicious++
	}
	if info.ConcurrentConnections > 3 {
		suspicious++
	}
	if info.FailedAttempts > 3 {
		suspicious++
	}
	if info.UnknownDevice && !info.TrustedDevice {
		suspicious++
	}

	if suspicious >= 2 {
		m.recordThreat(ThreatRecord{
			Type:     ThreatSuspiciousConnection,
			Severity: SeverityHigh,
			Details:  fmt.Sprintf("connection attempt by %s matched %d suspicious patterns", info.ParticipantID, suspicious),
		})
		return false
	}
	return true
}

// ReportThreat records a threat. Critical threats trigger their
// type-specific mitigation synchronously before this method returns:
// key rotation for a data breach, session termination for a hijack.
func (m *SecurityMonitor) ReportThreat(threat ThreatRecord) ThreatRecord {
	recorded := m.recordThreat(threat)

	if recorded.Severity == SeverityCritical {
		switch recorded.Type {
		case ThreatDataBreach:
			if err := m.RotateKey(); err != nil {
				logger.GetLogger().Errorw("mitigation key rotation failed", err)
			}
		case ThreatSessionHijack:
			if m.onTerminate != nil {
				m.onTerminate()
			}
		}
	}
	return recorded
}

func (m *SecurityMonitor) recordThreat(threat ThreatRecord) ThreatRecord {
	if threat.ID == "" {
		threat.ID = uuid.NewString()
	}
	if threat.Timestamp.IsZero() {
		threat.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.threats = append(m.threats, threat)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Record("threat_detected", map[string]any{
			"type":     string(threat.Type),
			"severity": string(threat.Severity),
		})
	}
	logger.GetLogger().Warnw("security threat recorded", nil,
		"type", string(threat.Type),
		"severity", string(threat.Severity),
		"details", threat.Details)
	return threat
}

// ResolveThreat flips the resolved flag on a recorded threat. Resolved
// is the only mutable field of a threat record.
func (m *SecurityMonitor) ResolveThreat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.threats {
		if m.threats[i].ID == id {
			m.threats[i].Resolved = true
			return nil
		}
	}
	return fmt.Errorf("resolve threat %s: not found", id)
}

// Threats returns a copy of all recorded threats, oldest first.
func (m *SecurityMonitor) Threats() []ThreatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ThreatRecord, len(m.threats))
	copy(out, m.threats)
	return out
}

// Stop halts the rotation timer. Safe to call more than once.
func (m *SecurityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}
