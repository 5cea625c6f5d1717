package lorawan

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Parse errors.
var (
	ErrBufferTooShort       = errors.New("lorawan: buffer too short")
	ErrInvalidMType         = errors.New("lorawan: invalid message type")
	ErrInvalidMajor         = errors.New("lorawan: invalid major version")
	ErrMACCommandsOverflow  = errors.New("lorawan: mac-commands exceed the available space")
	ErrFOptsAndPort0Payload = errors.New("lorawan: FOpts and FPort 0 payload are mutually exclusive")
)

const (
	mhdrLen = 1
	micLen  = 4

	joinRequestLen       = 23
	joinAcceptLen        = 17
	joinAcceptWithCFList = 33
	minDataPayloadLen    = 12
	maxFOptsLen          = 15
	cfListLen            = 16
)

// PHYPayload is a view over a complete on-air frame.
type PHYPayload []byte

// Parse validates the MHDR and the frame length and returns a typed view over
// data. No bytes are copied, the view aliases the given slice.
func Parse(data []byte) (PHYPayload, error) {
	if len(data) < mhdrLen+micLen {
		return nil, ErrBufferTooShort
	}
	p := PHYPayload(data)
	if p.Major() != LoRaWANR1 {
		return nil, ErrInvalidMajor
	}

	switch p.MType() {
	case JoinRequestType:
		if len(data) != joinRequestLen {
			return nil, ErrBufferTooShort
		}
	case JoinAcceptType:
		if len(data) != joinAcceptLen && len(data) != joinAcceptWithCFList {
			return nil, ErrBufferTooShort
		}
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		if len(data) < minDataPayloadLen {
			return nil, ErrBufferTooShort
		}
		if _, err := p.DataPayload(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidMType
	}
	return p, nil
}

// MType returns the message type.
func (p PHYPayload) MType() MType {
	return MType(p[0] >> 5)
}

// Major returns the major version.
func (p PHYPayload) Major() Major {
	return Major(p[0] & 0x03)
}

// MIC returns the message integrity code.
func (p PHYPayload) MIC() MIC {
	var mic MIC
	copy(mic[:], p[len(p)-micLen:])
	return mic
}

// IsData reports whether the frame is a (un)confirmed data up- or downlink.
func (p PHYPayload) IsData() bool {
	switch p.MType() {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return true
	default:
		return false
	}
}

// DataPayload returns the data-frame view. The FOpts / FPort layout is
// validated.
func (p PHYPayload) DataPayload() (DataPayload, error) {
	if !p.IsData() {
		return nil, ErrInvalidMType
	}
	d := DataPayload(p)
	if len(p) < minDataPayloadLen+d.FCtrl().FOptsLen() {
		return nil, ErrBufferTooShort
	}
	if port, ok := d.FPort(); ok && port == 0 && d.FCtrl().FOptsLen() > 0 {
		return nil, ErrFOptsAndPort0Payload
	}
	return d, nil
}

// JoinRequestPayload returns the JoinRequest view.
func (p PHYPayload) JoinRequestPayload() (JoinRequestPayload, error) {
	if p.MType() != JoinRequestType {
		return nil, ErrInvalidMType
	}
	return JoinRequestPayload(p), nil
}

// DataPayload is a view over a data frame:
//
//	MHDR(1) | DevAddr(4) | FCtrl(1) | FCnt(2) | FOpts(0..15) | FPort(0..1) | FRMPayload | MIC(4)
type DataPayload []byte

// DevAddr returns the device address.
func (d DataPayload) DevAddr() DevAddr {
	var a DevAddr
	copy(a[:], d[1:5])
	return a
}

// FCtrl returns the frame-control byte.
func (d DataPayload) FCtrl() FCtrl {
	return FCtrl(d[5])
}

// FCnt returns the 16 transmitted bits of the frame counter.
func (d DataPayload) FCnt() uint16 {
	return binary.LittleEndian.Uint16(d[6:8])
}

// FOpts returns the raw FOpts bytes (possibly empty).
func (d DataPayload) FOpts() []byte {
	return d[8 : 8+d.FCtrl().FOptsLen()]
}

func (d DataPayload) fhdrLen() int {
	return 7 + d.FCtrl().FOptsLen()
}

// FPort returns the port and whether it is present.
func (d DataPayload) FPort() (uint8, bool) {
	idx := mhdrLen + d.fhdrLen()
	if idx >= len(d)-micLen {
		return 0, false
	}
	return d[idx], true
}

// FRMPayload returns the (encrypted) frame payload, possibly empty.
func (d DataPayload) FRMPayload() []byte {
	start := mhdrLen + d.fhdrLen()
	if start >= len(d)-micLen {
		return nil
	}
	return d[start+1 : len(d)-micLen]
}

// IsConfirmed reports whether the frame requires an acknowledgement.
func (d DataPayload) IsConfirmed() bool {
	t := PHYPayload(d).MType()
	return t == ConfirmedDataUp || t == ConfirmedDataDown
}

// IsUplink reports the frame direction.
func (d DataPayload) IsUplink() bool {
	t := PHYPayload(d).MType()
	return t == UnconfirmedDataUp || t == ConfirmedDataUp
}

// ValidateMIC verifies the MIC against the given key and reconstructed
// 32-bit frame counter.
func (d DataPayload) ValidateMIC(c Crypto, key AES128Key, dir byte, fullFCnt uint32) bool {
	mic, err := ComputeDataMIC(c, key, dir, d.DevAddr(), fullFCnt, d[:len(d)-micLen])
	if err != nil {
		return false
	}
	expected := PHYPayload(d).MIC()
	return subtle.ConstantTimeCompare(mic[:], expected[:]) == 1
}

// DecryptFRMPayload decrypts the FRMPayload in place and returns the
// plaintext view. The NwkSKey is used for port 0, the AppSKey otherwise.
func (d DataPayload) DecryptFRMPayload(c Crypto, nwkSKey, appSKey AES128Key, dir byte, fullFCnt uint32) ([]byte, error) {
	key := appSKey
	if port, ok := d.FPort(); ok && port == 0 {
		key = nwkSKey
	}
	payload := d.FRMPayload()
	if err := EncryptFRMPayload(c, key, dir, d.DevAddr(), fullFCnt, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// JoinRequestPayload is a view over a JoinRequest frame:
//
//	MHDR(1) | AppEUI(8) | DevEUI(8) | DevNonce(2) | MIC(4)
type JoinRequestPayload []byte

// AppEUI returns the application / join EUI.
func (j JoinRequestPayload) AppEUI() EUI64 {
	var e EUI64
	copy(e[:], j[1:9])
	return e
}

// DevEUI returns the device EUI.
func (j JoinRequestPayload) DevEUI() EUI64 {
	var e EUI64
	copy(e[:], j[9:17])
	return e
}

// DevNonce returns the join nonce.
func (j JoinRequestPayload) DevNonce() DevNonce {
	return DevNonce(binary.LittleEndian.Uint16(j[17:19]))
}

// ValidateMIC verifies the MIC with the AppKey.
func (j JoinRequestPayload) ValidateMIC(c Crypto, appKey AES128Key) bool {
	mic, err := ComputeJoinRequestMIC(c, appKey, j[:len(j)-micLen])
	if err != nil {
		return false
	}
	expected := PHYPayload(j).MIC()
	return subtle.ConstantTimeCompare(mic[:], expected[:]) == 1
}

// JoinAcceptPayload is a view over a decrypted JoinAccept frame:
//
//	MHDR(1) | AppNonce(3) | NetID(3) | DevAddr(4) | DLSettings(1) | RxDelay(1) | CFList(0|16) | MIC(4)
type JoinAcceptPayload []byte

// DecryptJoinAccept decrypts an encrypted JoinAccept in place by running the
// AES encrypt operation over everything after the MHDR, as the LoRaWAN
// specification mandates for the receiving side.
func DecryptJoinAccept(c Crypto, appKey AES128Key, frame []byte) (JoinAcceptPayload, error) {
	if len(frame) != joinAcceptLen && len(frame) != joinAcceptWithCFList {
		return nil, ErrBufferTooShort
	}
	for i := mhdrLen; i < len(frame); i += 16 {
		if err := c.EncryptBlock(appKey, frame[i:i+16]); err != nil {
			return nil, err
		}
	}
	return JoinAcceptPayload(frame), nil
}

// AppNonce returns the server nonce.
func (j JoinAcceptPayload) AppNonce() AppNonce {
	var n AppNonce
	copy(n[:], j[1:4])
	return n
}

// NetID returns the network identifier.
func (j JoinAcceptPayload) NetID() NetID {
	var n NetID
	copy(n[:], j[4:7])
	return n
}

// DevAddr returns the assigned device address.
func (j JoinAcceptPayload) DevAddr() DevAddr {
	var a DevAddr
	copy(a[:], j[7:11])
	return a
}

// DLSettings returns the downlink settings.
func (j JoinAcceptPayload) DLSettings() DLSettings {
	return DLSettings(j[11])
}

// RxDelay returns the RX1 delay in seconds (0 must be interpreted as 1).
func (j JoinAcceptPayload) RxDelay() uint8 {
	return j[12] & 0x0f
}

// CFList returns the optional 16-byte channel-frequency list.
func (j JoinAcceptPayload) CFList() ([]byte, bool) {
	if len(j) != joinAcceptWithCFList {
		return nil, false
	}
	return j[13 : 13+cfListLen], true
}

// ValidateMIC verifies the MIC of the decrypted JoinAccept with the AppKey.
func (j JoinAcceptPayload) ValidateMIC(c Crypto, appKey AES128Key) bool {
	mic, err := ComputeJoinAcceptMIC(c, appKey, j[:len(j)-micLen])
	if err != nil {
		return false
	}
	expected := PHYPayload(j).MIC()
	return subtle.ConstantTimeCompare(mic[:], expected[:]) == 1
}
