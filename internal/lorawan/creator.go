package lorawan

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DataPayloadBuilder constructs (un)confirmed data frames. Fields are
// appended to the target buffer in protocol order and the FRMPayload is
// encrypted as part of Build.
type DataPayloadBuilder struct {
	Confirmed bool
	Uplink    bool
	DevAddr   DevAddr
	FCtrl     FCtrl
	FCnt      uint32
	FPort     uint8
	HasFPort  bool
}

// Build assembles the frame into buf and returns the written slice.
// MAC commands are placed in the FOpts field, unless FPort is 0 in which case
// they become the (NwkSKey-encrypted) FRMPayload. A port-0 frame cannot carry
// both MAC commands and an application payload.
func (b DataPayloadBuilder) Build(buf []byte, payload, macCommands []byte, c Crypto, nwkSKey, appSKey AES128Key) ([]byte, error) {
	if len(payload) > 0 && !b.HasFPort {
		return nil, errors.New("lorawan: FPort must be set when a payload is given")
	}

	macInPayload := b.HasFPort && b.FPort == 0 && len(macCommands) > 0
	if macInPayload && len(payload) > 0 {
		return nil, ErrFOptsAndPort0Payload
	}

	var fOpts []byte
	frmPayload := payload
	frmKey := appSKey
	if macInPayload {
		frmPayload = macCommands
		frmKey = nwkSKey
	} else if len(macCommands) > 0 {
		if len(macCommands) > maxFOptsLen {
			return nil, ErrMACCommandsOverflow
		}
		fOpts = macCommands
	}
	if b.HasFPort && b.FPort == 0 {
		frmKey = nwkSKey
	}

	fCtrl := b.FCtrl&0xf0 | FCtrl(len(fOpts))

	size := mhdrLen + 7 + len(fOpts) + len(frmPayload) + micLen
	if b.HasFPort {
		size++
	}
	if size > len(buf) {
		return nil, ErrBufferTooShort
	}

	out := buf[:0]
	out = append(out, byte(b.mType())<<5|byte(LoRaWANR1))
	out = append(out, b.DevAddr[:]...)
	out = append(out, byte(fCtrl))
	var fCntBytes [2]byte
	binary.LittleEndian.PutUint16(fCntBytes[:], uint16(b.FCnt))
	out = append(out, fCntBytes[:]...)
	out = append(out, fOpts...)
	if b.HasFPort {
		out = append(out, b.FPort)
	}

	frmStart := len(out)
	out = append(out, frmPayload...)
	dir := DirDownlink
	if b.Uplink {
		dir = DirUplink
	}
	if err := EncryptFRMPayload(c, frmKey, dir, b.DevAddr, b.FCnt, out[frmStart:]); err != nil {
		return nil, err
	}

	mic, err := ComputeDataMIC(c, nwkSKey, dir, b.DevAddr, b.FCnt, out)
	if err != nil {
		return nil, err
	}
	return append(out, mic[:]...), nil
}

func (b DataPayloadBuilder) mType() MType {
	switch {
	case b.Confirmed && b.Uplink:
		return ConfirmedDataUp
	case b.Confirmed:
		return ConfirmedDataDown
	case b.Uplink:
		return UnconfirmedDataUp
	default:
		return UnconfirmedDataDown
	}
}

// JoinRequestBuilder constructs JoinRequest frames.
type JoinRequestBuilder struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce DevNonce
}

// Build assembles the JoinRequest into buf and returns the written slice.
func (b JoinRequestBuilder) Build(buf []byte, c Crypto, appKey AES128Key) ([]byte, error) {
	if len(buf) < joinRequestLen {
		return nil, ErrBufferTooShort
	}
	out := buf[:0]
	out = append(out, byte(JoinRequestType)<<5|byte(LoRaWANR1))
	out = append(out, b.AppEUI[:]...)
	out = append(out, b.DevEUI[:]...)
	var nonce [2]byte
	binary.LittleEndian.PutUint16(nonce[:], uint16(b.DevNonce))
	out = append(out, nonce[:]...)

	mic, err := ComputeJoinRequestMIC(c, appKey, out)
	if err != nil {
		return nil, err
	}
	return append(out, mic[:]...), nil
}

// JoinAcceptBuilder constructs (encrypted) JoinAccept frames. It is used by
// the test tooling and the simulator; a device only ever parses these.
type JoinAcceptBuilder struct {
	AppNonce   AppNonce
	NetID      NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8

	// CFList holds up to 5 extra channel frequencies in Hz (dynamic channel
	// plans). Leave empty to omit the CFList.
	CFList []uint32
}

// Build assembles and encrypts the JoinAccept into buf and returns the
// written slice. Encryption requires a Crypto implementation that also
// provides block decryption.
func (b JoinAcceptBuilder) Build(buf []byte, c Crypto, appKey AES128Key) ([]byte, error) {
	dec, ok := c.(BlockDecrypter)
	if !ok {
		return nil, errors.New("lorawan: crypto implementation does not support building join-accepts")
	}
	if len(b.CFList) > 5 {
		return nil, errors.New("lorawan: a CFList holds at most 5 frequencies")
	}

	size := joinAcceptLen
	if len(b.CFList) > 0 {
		size = joinAcceptWithCFList
	}
	if len(buf) < size {
		return nil, ErrBufferTooShort
	}

	out := buf[:0]
	out = append(out, byte(JoinAcceptType)<<5|byte(LoRaWANR1))
	out = append(out, b.AppNonce[:]...)
	out = append(out, b.NetID[:]...)
	out = append(out, b.DevAddr[:]...)
	out = append(out, byte(b.DLSettings), b.RxDelay)
	if len(b.CFList) > 0 {
		var cfList [cfListLen]byte
		for i, freq := range b.CFList {
			var f [4]byte
			binary.LittleEndian.PutUint32(f[:], freq/100)
			copy(cfList[i*3:i*3+3], f[0:3])
		}
		out = append(out, cfList[:]...)
	}

	mic, err := ComputeJoinAcceptMIC(c, appKey, out)
	if err != nil {
		return nil, err
	}
	out = append(out, mic[:]...)

	for i := mhdrLen; i < len(out); i += 16 {
		if err := dec.DecryptBlock(appKey, out[i:i+16]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
