package lorawan

import (
	"crypto/aes"
	"encoding/binary"

	"github.com/jacobsa/crypto/cmac"
	"github.com/pkg/errors"
)

// Crypto provides the AES-128 primitives the stack depends on. Implementations
// backed by a secure element only have to provide block encryption and CMAC;
// everything else is derived from these two operations.
type Crypto interface {
	// EncryptBlock encrypts a single 16-byte block in place.
	EncryptBlock(key AES128Key, block []byte) error

	// CMAC computes the AES-CMAC over the given bytes.
	CMAC(key AES128Key, b []byte) ([16]byte, error)
}

// BlockDecrypter is implemented by Crypto implementations that also provide
// AES block decryption. It is only required for constructing JoinAccept
// frames (the network-server role), never by the device itself.
type BlockDecrypter interface {
	DecryptBlock(key AES128Key, block []byte) error
}

type defaultCrypto struct{}

// DefaultCrypto returns a software Crypto implementation on top of crypto/aes
// and AES-CMAC.
func DefaultCrypto() Crypto {
	return defaultCrypto{}
}

func (defaultCrypto) EncryptBlock(key AES128Key, block []byte) error {
	if len(block) != 16 {
		return errors.New("lorawan: block must be 16 bytes")
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}
	c.Encrypt(block, block)
	return nil
}

func (defaultCrypto) DecryptBlock(key AES128Key, block []byte) error {
	if len(block) != 16 {
		return errors.New("lorawan: block must be 16 bytes")
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return errors.Wrap(err, "new cipher error")
	}
	c.Decrypt(block, block)
	return nil
}

func (defaultCrypto) CMAC(key AES128Key, b []byte) ([16]byte, error) {
	var out [16]byte
	h, err := cmac.New(key[:])
	if err != nil {
		return out, errors.Wrap(err, "new cmac error")
	}
	if _, err := h.Write(b); err != nil {
		return out, errors.Wrap(err, "cmac write error")
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ComputeDataMIC computes the MIC over a data frame, where msg contains the
// complete frame excluding the MIC itself (MHDR | FHDR | FPort | FRMPayload).
func ComputeDataMIC(c Crypto, key AES128Key, dir byte, devAddr DevAddr, fCnt uint32, msg []byte) (MIC, error) {
	var mic MIC

	b0 := make([]byte, 16, 16+len(msg))
	b0[0] = 0x49
	b0[5] = dir
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(msg))

	full, err := c.CMAC(key, append(b0, msg...))
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[0:4])
	return mic, nil
}

// ComputeJoinRequestMIC computes the MIC over a JoinRequest, where msg
// contains MHDR | AppEUI | DevEUI | DevNonce.
func ComputeJoinRequestMIC(c Crypto, appKey AES128Key, msg []byte) (MIC, error) {
	return computeJoinMIC(c, appKey, msg)
}

// ComputeJoinAcceptMIC computes the MIC over a decrypted JoinAccept, where
// msg contains MHDR | AppNonce | NetID | DevAddr | DLSettings | RxDelay |
// CFList.
func ComputeJoinAcceptMIC(c Crypto, appKey AES128Key, msg []byte) (MIC, error) {
	return computeJoinMIC(c, appKey, msg)
}

func computeJoinMIC(c Crypto, key AES128Key, msg []byte) (MIC, error) {
	var mic MIC
	full, err := c.CMAC(key, msg)
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[0:4])
	return mic, nil
}

// EncryptFRMPayload encrypts or decrypts the FRMPayload in place. The
// operation is an AES-CTR keystream xor over the Ai blocks and is therefore
// its own inverse.
func EncryptFRMPayload(c Crypto, key AES128Key, dir byte, devAddr DevAddr, fCnt uint32, payload []byte) error {
	var a [16]byte
	a[0] = 0x01
	a[5] = dir
	copy(a[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	var s [16]byte
	for i := 0; i < len(payload); i += 16 {
		copy(s[:], a[:])
		s[15] = byte(i/16 + 1)
		if err := c.EncryptBlock(key, s[:]); err != nil {
			return err
		}
		end := i + 16
		if end > len(payload) {
			end = len(payload)
		}
		for j := i; j < end; j++ {
			payload[j] ^= s[j-i]
		}
	}
	return nil
}

// DeriveSessionKeys derives the NwkSKey and AppSKey from the join material,
// per LoRaWAN 1.0.x:
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys(c Crypto, appKey AES128Key, appNonce AppNonce, netID NetID, devNonce DevNonce) (nwkSKey, appSKey AES128Key, err error) {
	for i, prefix := range []byte{0x01, 0x02} {
		var block [16]byte
		block[0] = prefix
		copy(block[1:4], appNonce[:])
		copy(block[4:7], netID[:])
		binary.LittleEndian.PutUint16(block[7:9], uint16(devNonce))
		if err = c.EncryptBlock(appKey, block[:]); err != nil {
			return
		}
		if i == 0 {
			copy(nwkSKey[:], block[:])
		} else {
			copy(appSKey[:], block[:])
		}
	}
	return
}
