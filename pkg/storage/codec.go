package storage

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode produces Core Deterministic CBOR so equal records encode to
// identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so records written by a newer binary
// still decode.
var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// Heartbeat ages are compared at sub-second resolution.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as stored in the coordination file.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a stored value into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
