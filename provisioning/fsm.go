package provisioning

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"btmesh/keys"
	"btmesh/logging"
)

var log = logging.New("provisioning")

// ErrConfirmationFailed is returned by HandleDeviceRandom when the device's
// confirmation value does not match the provisioner's recomputation.
var ErrConfirmationFailed = errors.New("provisioning: confirmation check failed")

// ErrUnexpectedPDU is returned when a PDU arrives that the current
// state does not expect.
var ErrUnexpectedPDU = errors.New("provisioning: unexpected PDU for current state")

// state is the provisioner FSM's sum type. Each concrete state embeds
// the previous one, so it carries exactly the fields every later
// transition needs and nothing else is representable as "maybe set"
// (see SPEC_FULL.md section 9).
type state interface {
	isProvisioningState()
}

type stateInvited struct {
	invitePDU []byte
}

func (stateInvited) isProvisioningState() {}

type stateCapabilities struct {
	stateInvited
	capsPDU []byte
	caps    Capabilities
}

func (stateCapabilities) isProvisioningState() {}

type stateStarted struct {
	stateCapabilities
	startPDU []byte
	start    Start
}

func (stateStarted) isProvisioningState() {}

type statePublicKeys struct {
	stateStarted
	priv       *ecdh.PrivateKey
	provPubXY  [64]byte
	devPubXY   [64]byte
	ecdhSecret []byte
}

func (statePublicKeys) isProvisioningState() {}

type stateConfirming struct {
	statePublicKeys
	confirmationSalt keys.Key
	confirmationKey  keys.Key
	authValue        [16]byte
	provRandom       [16]byte
	ourConfirmation  [16]byte
}

func (stateConfirming) isProvisioningState() {}

type stateWaitDeviceConfirmation struct {
	stateConfirming
}

func (stateWaitDeviceConfirmation) isProvisioningState() {}

type stateWaitDeviceRandom struct {
	stateWaitDeviceConfirmation
	deviceConfirmation [16]byte
}

func (stateWaitDeviceRandom) isProvisioningState() {}

type stateDistribute struct {
	stateWaitDeviceRandom
	deviceRandom     [16]byte
	provisioningSalt keys.Key
	sessionKey       keys.SessionKey
	sessionNonce     [13]byte
	block            DistributeBlock
}

func (stateDistribute) isProvisioningState() {}

type stateComplete struct{ stateDistribute }

func (stateComplete) isProvisioningState() {}

type stateFailed struct {
	reason uint8
	err    error
}

func (stateFailed) isProvisioningState() {}

type stateClosed struct{}

func (stateClosed) isProvisioningState() {}

// Provisioner drives one device through the provisioning protocol. It
// is not safe for concurrent use; the stack orchestrator owns one
// Provisioner per in-flight session (see SPEC_FULL.md section 5).
type Provisioner struct {
	DeviceUUID uuid.UUID
	cur        state
}

// NewProvisioner starts a session in the Pending/Invited state by
// building the Invite PDU to send.
func NewProvisioner(deviceUUID uuid.UUID, attentionSeconds uint8) (*Provisioner, []byte) {
	pdu := PackInvite(attentionSeconds)
	return &Provisioner{
		DeviceUUID: deviceUUID,
		cur:        stateInvited{invitePDU: pdu},
	}, pdu
}

// HandleCapabilities consumes the device's Capabilities PDU and
// returns the Start PDU to send, choosing the No-OOB authentication
// method (SPEC_FULL.md section 8, scenario S6); OOB methods are not
// implemented (Non-goal: no OOB input/output device collaborator).
func (p *Provisioner) HandleCapabilities(raw []byte) ([]byte, error) {
	st, ok := p.cur.(stateInvited)
	if !ok {
		return nil, p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}
	caps, err := UnpackCapabilities(raw)
	if err != nil {
		return nil, p.fail(FailedInvalidFormat, err)
	}

	start := Start{Algorithm: 0, PublicKeyOOB: 0, AuthMethod: 0, AuthAction: 0, AuthSize: 0}
	startPDU := PackStart(start)

	p.cur = stateStarted{
		stateCapabilities: stateCapabilities{stateInvited: st, capsPDU: raw, caps: caps},
		startPDU:          startPDU,
		start:             start,
	}
	return startPDU, nil
}

// BeginPublicKeyExchange generates the provisioner's P-256 key pair and
// returns the PublicKey PDU to send.
func (p *Provisioner) BeginPublicKeyExchange() ([]byte, error) {
	st, ok := p.cur.(stateStarted)
	if !ok {
		return nil, p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, p.fail(FailedOutOfResources, err)
	}

	var xy [64]byte
	raw := priv.PublicKey().Bytes() // uncompressed: 0x04 || X(32) || Y(32)
	copy(xy[:], raw[1:])

	p.cur = statePublicKeys{
		stateStarted: st,
		priv:         priv,
		provPubXY:    xy,
	}
	return PackPublicKey(xy), nil
}

// HandleDevicePublicKey consumes the device's PublicKey PDU, completes
// the ECDH exchange, and returns the provisioner's Confirmation PDU
// using authValue as the out-of-band authentication value (all zero
// for No-OOB).
func (p *Provisioner) HandleDevicePublicKey(raw []byte, authValue [16]byte) ([]byte, error) {
	st, ok := p.cur.(statePublicKeys)
	if !ok {
		return nil, p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}

	devXY, err := UnpackPublicKey(raw)
	if err != nil {
		return nil, p.fail(FailedInvalidFormat, err)
	}

	devPubBytes := make([]byte, 65)
	devPubBytes[0] = 0x04
	copy(devPubBytes[1:], devXY[:])
	devPub, err := ecdh.P256().NewPublicKey(devPubBytes)
	if err != nil {
		return nil, p.fail(FailedInvalidFormat, err)
	}

	secret, err := st.priv.ECDH(devPub)
	if err != nil {
		return nil, p.fail(FailedInvalidFormat, err)
	}
	st.devPubXY = devXY
	st.ecdhSecret = secret

	salt := ConfirmationSalt(st.invitePDU, st.capsPDU, st.startPDU, st.provPubXY, st.devPubXY)
	ck := ConfirmationKey(secret, salt)

	var provRandom [16]byte
	if _, err := rand.Read(provRandom[:]); err != nil {
		return nil, p.fail(FailedOutOfResources, err)
	}
	ourConfirmation := Confirmation(ck, provRandom, authValue)

	p.cur = stateWaitDeviceConfirmation{
		stateConfirming: stateConfirming{
			statePublicKeys:  st,
			confirmationSalt: salt,
			confirmationKey:  ck,
			authValue:        authValue,
			provRandom:       provRandom,
			ourConfirmation:  ourConfirmation,
		},
	}
	return PackConfirmation(ourConfirmation), nil
}

// HandleDeviceConfirmation latches the device's Confirmation PDU and
// returns the provisioner's Random PDU.
func (p *Provisioner) HandleDeviceConfirmation(raw []byte) ([]byte, error) {
	st, ok := p.cur.(stateWaitDeviceConfirmation)
	if !ok {
		return nil, p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}
	devConfirmation, err := UnpackConfirmation(raw)
	if err != nil {
		return nil, p.fail(FailedInvalidFormat, err)
	}

	p.cur = stateWaitDeviceRandom{
		stateWaitDeviceConfirmation: st,
		deviceConfirmation:          devConfirmation,
	}
	return PackRandom(st.provRandom), nil
}

// HandleDeviceRandom validates the device's confirmation against its
// revealed random value (testable property 10) and, on success,
// derives the session key/nonce needed to encrypt Distribute.
func (p *Provisioner) HandleDeviceRandom(raw []byte) error {
	st, ok := p.cur.(stateWaitDeviceRandom)
	if !ok {
		return p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}
	devRandom, err := UnpackRandom(raw)
	if err != nil {
		return p.fail(FailedInvalidFormat, err)
	}

	want := Confirmation(st.confirmationKey, devRandom, st.authValue)
	if want != st.deviceConfirmation {
		return p.fail(FailedConfirmationFailed, ErrConfirmationFailed)
	}

	salt := ProvisioningSalt(st.confirmationSalt, st.provRandom, devRandom)
	sk := SessionKey(st.ecdhSecret, salt)
	nonce := SessionNonce(st.ecdhSecret, salt)

	p.cur = stateDistribute{
		stateWaitDeviceRandom: st,
		deviceRandom:          devRandom,
		provisioningSalt:      salt,
		sessionKey:            sk,
		sessionNonce:          nonce,
	}
	return nil
}

// Distribute encrypts block under the derived session key/nonce and
// returns the Data PDU to send.
func (p *Provisioner) Distribute(block DistributeBlock) ([]byte, error) {
	st, ok := p.cur.(stateDistribute)
	if !ok {
		return nil, p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}
	st.block = block
	p.cur = st

	encrypted := EncryptDistribute(block, st.sessionKey, st.sessionNonce)
	return PackData(encrypted), nil
}

// HandleComplete finishes the session once the device acknowledges
// Distribute with a Complete PDU.
func (p *Provisioner) HandleComplete(raw []byte) error {
	st, ok := p.cur.(stateDistribute)
	if !ok {
		return p.fail(FailedUnexpectedPDU, ErrUnexpectedPDU)
	}
	typ, err := PDUType(raw)
	if err != nil || typ != PDUComplete {
		return p.fail(FailedInvalidPDU, ErrUnexpectedPDU)
	}
	p.cur = stateComplete{stateDistribute: st}
	return nil
}

// Done reports whether the session has reached a terminal state.
func (p *Provisioner) Done() bool {
	switch p.cur.(type) {
	case stateComplete, stateFailed, stateClosed:
		return true
	default:
		return false
	}
}

// Err returns the failure reason if the session ended in Failed, else
// nil.
func (p *Provisioner) Err() error {
	if f, ok := p.cur.(stateFailed); ok {
		return f.err
	}
	return nil
}

// Close drives the session to Closed without sending Failed; used for
// caller-initiated cancellation (ctx.Done()).
func (p *Provisioner) Close() { p.cur = stateClosed{} }

func (p *Provisioner) fail(reason uint8, err error) error {
	wrapped := fmt.Errorf("provisioning: %w", err)
	log.Printf("device=%s failed reason=0x%02x: %v", p.DeviceUUID, reason, err)
	p.cur = stateFailed{reason: reason, err: wrapped}
	return wrapped
}

// FailurePDU returns the Failed PDU to transmit when Err() is non-nil.
func (p *Provisioner) FailurePDU() ([]byte, bool) {
	f, ok := p.cur.(stateFailed)
	if !ok {
		return nil, false
	}
	return PackFailed(f.reason), true
}
