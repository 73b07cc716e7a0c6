package stream

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/fedetft/tdmh-sub002/mac/codec"
)

// Marshal cbor-encodes Parameters for transport inside an SME TLV.
func (p Parameters) Marshal() ([]byte, error) {
	return cbor.Marshal(p)
}

// UnmarshalParameters reverses Parameters.Marshal.
func UnmarshalParameters(b []byte) (Parameters, error) {
	var p Parameters
	if len(b) == 0 {
		return p, nil
	}
	err := cbor.Unmarshal(b, &p)
	return p, err
}

// ToWire converts an SME to its codec TLV form.
func (s SME) ToWire() (codec.SMETLV, error) {
	var params []byte
	var err error
	if s.Kind == SMEConnect || s.Kind == SMEListen {
		params, err = s.Params.Marshal()
		if err != nil {
			return codec.SMETLV{}, err
		}
	}
	return codec.SMETLV{
		Kind:    codec.SMEKind(s.Kind),
		SrcNode: uint16(s.Stream.SrcNode), DstNode: uint16(s.Stream.DstNode),
		SrcPort: s.Stream.SrcPort, DstPort: s.Stream.DstPort,
		Params: params,
	}, nil
}

// SMEFromWire reverses SME.ToWire.
func SMEFromWire(w codec.SMETLV) (SME, error) {
	params, err := UnmarshalParameters(w.Params)
	if err != nil {
		return SME{}, err
	}
	return SME{
		Stream: ID{
			SrcNode: NodeID(w.SrcNode), DstNode: NodeID(w.DstNode),
			SrcPort: w.SrcPort, DstPort: w.DstPort,
		},
		Params: params,
		Kind:   SMEKind(w.Kind),
	}, nil
}

// InfoKind mirrors codec.InfoKind.
type InfoKind uint8

const (
	InfoAccepted InfoKind = iota
	InfoRejected
	InfoReopened
	InfoRemoved
)

// InfoElement mirrors codec.InfoElementTLV in domain terms.
type InfoElement struct {
	Kind   InfoKind
	Stream ID
}

// InfoFromWire converts a codec.InfoElementTLV to an InfoElement.
func InfoFromWire(w codec.InfoElementTLV) InfoElement {
	return InfoElement{
		Kind: InfoKind(w.Kind),
		Stream: ID{
			SrcNode: NodeID(w.SrcNode), DstNode: NodeID(w.DstNode),
			SrcPort: w.SrcPort, DstPort: w.DstPort,
		},
	}
}

// ToWire converts an InfoElement to its codec TLV form.
func (e InfoElement) ToWire() codec.InfoElementTLV {
	return codec.InfoElementTLV{
		Kind:    codec.InfoKind(e.Kind),
		SrcNode: uint16(e.Stream.SrcNode), DstNode: uint16(e.Stream.DstNode),
		SrcPort: e.Stream.SrcPort, DstPort: e.Stream.DstPort,
	}
}
