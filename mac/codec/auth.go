package codec

import (
	"github.com/fedetft/tdmh-sub002/core/config"
	"github.com/fedetft/tdmh-sub002/core/crypto/auth"
)

// KeySource exposes the current master key an AuthCodec seals/opens under;
// *keychain.Chain satisfies it directly.
type KeySource interface {
	Key() ([32]byte, uint64)
}

// AuthCodec implements spec.md §4.2/§4.12's "frame -> optional tag ->
// optional encryption" pipeline stage for one channel pair (control or
// data), gated by NetworkConfiguration's four toggles. Sealing/opening is a
// pass-through whenever the channel's authenticate flag is off, so wiring
// an AuthCodec into a phase costs nothing when the deployment leaves
// authentication disabled.
type AuthCodec struct {
	Cfg  *config.NetworkConfiguration
	Keys KeySource
}

// SealControl authenticates (and, if EncryptControl is set, encrypts) a
// control-phase payload (timesync/uplink/schedule-downlink floods).
func (a *AuthCodec) SealControl(tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	return a.seal(a.Cfg.AuthenticateControl, a.Cfg.EncryptControl, tileNumber, seq, payload)
}

// OpenControl reverses SealControl.
func (a *AuthCodec) OpenControl(tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	return a.open(a.Cfg.AuthenticateControl, a.Cfg.EncryptControl, tileNumber, seq, payload)
}

// SealData authenticates (and, if EncryptData is set, encrypts) a data-phase
// stream packet.
func (a *AuthCodec) SealData(tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	return a.seal(a.Cfg.AuthenticateData, a.Cfg.EncryptData, tileNumber, seq, payload)
}

// OpenData reverses SealData.
func (a *AuthCodec) OpenData(tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	return a.open(a.Cfg.AuthenticateData, a.Cfg.EncryptData, tileNumber, seq, payload)
}

func (a *AuthCodec) seal(authenticate, encrypt bool, tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	if !authenticate || a.Keys == nil {
		return payload, nil
	}
	key, masterIndex := a.Keys.Key()
	nonce := auth.Nonce(tileNumber, seq, masterIndex)
	return auth.Seal(&key, nonce, payload, encrypt)
}

func (a *AuthCodec) open(authenticate, encrypt bool, tileNumber uint64, seq uint32, payload []byte) ([]byte, error) {
	if !authenticate || a.Keys == nil {
		return payload, nil
	}
	key, masterIndex := a.Keys.Key()
	nonce := auth.Nonce(tileNumber, seq, masterIndex)
	return auth.Open(&key, nonce, payload, encrypt)
}
