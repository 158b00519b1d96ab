package pci

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// ClientRequest is the sum type a subdriver sends to the broker over its
// function channel, named and ordered exactly after original_source
// pcid's PcidClientRequest enum (§6).
type ClientRequest struct {
	Kind ClientRequestKind

	// Populated depending on Kind.
	Feature       Feature
	SetFeature    SetFeatureRequest
	ConfigOffset  uint16
	ConfigValue   uint32
}

type ClientRequestKind int

const (
	ReqEnableDevice ClientRequestKind = iota
	ReqRequestConfig
	ReqRequestFeatures
	ReqRequestVendorCapabilities
	ReqEnableFeature
	ReqFeatureInfo
	ReqSetFeatureInfo
	ReqReadConfig
	ReqWriteConfig
)

func init() {
	// FeatureInfoValue is carried as `any`; gob needs the concrete types
	// registered up front to encode/decode through the interface.
	gob.Register(MsiInfo{})
	gob.Register(MsixInfo{})
}

// SetFeatureRequest carries the union of MsiSetFeatureInfo/MsixSetFeatureInfo
// payloads (Go has no tagged union, so both are optional and Feature
// selects which one is meaningful).
type SetFeatureRequest struct {
	Feature Feature
	Msi     MsiSetFeatureInfo
	Msix    MsixSetFeatureInfo
}

// ServerResponse is the sum type the broker sends back, named after
// PcidClientResponse.
type ServerResponse struct {
	Kind ServerResponseKind

	Config           SubdriverArguments
	AllFeatures      []Feature
	Feature          Feature
	FeatureStatus    FeatureStatus
	FeatureInfoValue any
	ConfigValue      uint32
	Err              string
}

type ServerResponseKind int

const (
	RespEnabledDevice ServerResponseKind = iota
	RespConfig
	RespAllFeatures
	RespFeatureEnabled
	RespFeatureStatus
	RespError
	RespFeatureInfo
	RespSetFeatureInfo
	RespReadConfig
	RespWriteConfig
)

// SubdriverArguments is what a subdriver receives from RequestConfig: the
// fully probed Function description it will drive.
type SubdriverArguments struct {
	Addr         Address
	Bars         [6]Bar
	FullDeviceId FullDeviceId
	LegacyIrq    *LegacyInterruptLine
}

// writeFrame/readFrame implement the length-prefixed gob framing described
// in SPEC_FULL.md §6: an 8-byte little-endian length followed by that many
// bytes of gob-encoded payload. Grounded on original_source's send/recv
// (8-byte LE length + bincode payload), substituting gob for bincode as
// the idiomatic Go encoding for a variable-shaped sum type.
const maxFrameLen = 0x100_000

func writeFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("pci: encoding frame: %w", err)
	}

	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(buf.Len()))

	if _, err := w.Write(lenBytes[:]); err != nil {
		return fmt.Errorf("pci: writing frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("pci: writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lenBytes [8]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return fmt.Errorf("pci: reading frame length: %w", err)
	}

	length := binary.LittleEndian.Uint64(lenBytes[:])
	if length > maxFrameLen {
		return fmt.Errorf("pci: frame too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("pci: reading frame body: %w", err)
	}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("pci: decoding frame: %w", err)
	}
	return nil
}

// ClientHandle is a subdriver's connection to its function's broker channel
// (§4.2, §9 "driver connection"). Grounded on
// original_source/pcid/src/driver_interface/mod.rs's PciFunctionHandle.
type ClientHandle struct {
	channel io.ReadWriteCloser
	config  SubdriverArguments
}

// ConnectClient performs the initial RequestConfig handshake over an
// already-open channel (the fd named by the PCID_CLIENT_CHANNEL
// environment variable, per SPEC_FULL.md §4.9 step 1).
func ConnectClient(channel io.ReadWriteCloser) (*ClientHandle, error) {
	h := &ClientHandle{channel: channel}

	if err := writeFrame(channel, ClientRequest{Kind: ReqRequestConfig}); err != nil {
		return nil, err
	}

	var resp ServerResponse
	if err := readFrame(channel, &resp); err != nil {
		return nil, err
	}
	if resp.Kind != RespConfig {
		return nil, fmt.Errorf("pci: unexpected response to RequestConfig: %v", resp.Kind)
	}

	h.config = resp.Config
	return h, nil
}

func (h *ClientHandle) Config() SubdriverArguments { return h.config }

func (h *ClientHandle) call(req ClientRequest, wantKind ServerResponseKind) (ServerResponse, error) {
	if err := writeFrame(h.channel, req); err != nil {
		return ServerResponse{}, err
	}
	var resp ServerResponse
	if err := readFrame(h.channel, &resp); err != nil {
		return ServerResponse{}, err
	}
	if resp.Kind == RespError {
		return resp, fmt.Errorf("pci: broker error: %s", resp.Err)
	}
	if resp.Kind != wantKind {
		return resp, fmt.Errorf("pci: unexpected response kind: got %v want %v", resp.Kind, wantKind)
	}
	return resp, nil
}

func (h *ClientHandle) EnableDevice() error {
	_, err := h.call(ClientRequest{Kind: ReqEnableDevice}, RespEnabledDevice)
	return err
}

func (h *ClientHandle) FetchAllFeatures() ([]Feature, error) {
	resp, err := h.call(ClientRequest{Kind: ReqRequestFeatures}, RespAllFeatures)
	if err != nil {
		return nil, err
	}
	return resp.AllFeatures, nil
}

func (h *ClientHandle) EnableFeature(feat Feature) error {
	_, err := h.call(ClientRequest{Kind: ReqEnableFeature, Feature: feat}, RespFeatureEnabled)
	return err
}

func (h *ClientHandle) FeatureInfo(feat Feature) (any, error) {
	resp, err := h.call(ClientRequest{Kind: ReqFeatureInfo, Feature: feat}, RespFeatureInfo)
	if err != nil {
		return nil, err
	}
	return resp.FeatureInfoValue, nil
}

func (h *ClientHandle) SetFeatureInfo(req SetFeatureRequest) error {
	_, err := h.call(ClientRequest{Kind: ReqSetFeatureInfo, SetFeature: req}, RespSetFeatureInfo)
	return err
}

func (h *ClientHandle) ReadConfig(offset uint16) (uint32, error) {
	resp, err := h.call(ClientRequest{Kind: ReqReadConfig, ConfigOffset: offset}, RespReadConfig)
	if err != nil {
		return 0, err
	}
	return resp.ConfigValue, nil
}

func (h *ClientHandle) WriteConfig(offset uint16, val uint32) error {
	_, err := h.call(ClientRequest{Kind: ReqWriteConfig, ConfigOffset: offset, ConfigValue: val}, RespWriteConfig)
	return err
}

func (h *ClientHandle) Close() error { return h.channel.Close() }

// ServeFunction runs the broker side of one function's channel: it
// dispatches each decoded ClientRequest against fn and writes back a
// ServerResponse, until the channel is closed or an unrecoverable framing
// error occurs. Grounded on the dispatch loop implicit in pcid's per-driver
// scheme handler (driver_handler.rs).
func ServeFunction(channel io.ReadWriteCloser, fn *Function, b *Broker) error {
	defer channel.Close()

	for {
		var req ClientRequest
		if err := readFrame(channel, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp := b.dispatch(fn, req)
		if err := writeFrame(channel, resp); err != nil {
			return err
		}
	}
}

func (b *Broker) dispatch(fn *Function, req ClientRequest) ServerResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Kind {
	case ReqEnableDevice:
		fn.write32(offCommandStatus, fn.read32(offCommandStatus)|CommandIOSpace|CommandMemorySpace|CommandBusMaster)
		return ServerResponse{Kind: RespEnabledDevice}

	case ReqRequestConfig:
		return ServerResponse{Kind: RespConfig, Config: SubdriverArguments{
			Addr:         fn.Addr,
			Bars:         fn.Bars,
			FullDeviceId: fn.FullDeviceId,
			LegacyIrq:    fn.LegacyInterruptLine,
		}}

	case ReqRequestFeatures:
		return ServerResponse{Kind: RespAllFeatures, AllFeatures: fn.Features()}

	case ReqRequestVendorCapabilities:
		// Vendor-specific capability parsing is not implemented; no
		// function driven by this broker currently requires it.
		return ServerResponse{Kind: RespAllFeatures, AllFeatures: nil}

	case ReqEnableFeature:
		if err := fn.EnableFeature(req.Feature); err != nil {
			return ServerResponse{Kind: RespError, Err: err.Error()}
		}
		return ServerResponse{Kind: RespFeatureEnabled, Feature: req.Feature}

	case ReqFeatureInfo:
		info, err := fn.FeatureInfo(req.Feature)
		if err != nil {
			return ServerResponse{Kind: RespError, Err: err.Error()}
		}
		return ServerResponse{Kind: RespFeatureInfo, Feature: req.Feature, FeatureInfoValue: info}

	case ReqSetFeatureInfo:
		var err error
		switch req.SetFeature.Feature {
		case FeatureMsi:
			err = fn.SetMsiFeatureInfo(req.SetFeature.Msi)
		case FeatureMsiX:
			err = fn.SetMsixFeatureInfo(req.SetFeature.Msix)
		default:
			err = ErrNoSuchFeature
		}
		if err != nil {
			return ServerResponse{Kind: RespError, Err: err.Error()}
		}
		return ServerResponse{Kind: RespSetFeatureInfo, Feature: req.SetFeature.Feature}

	case ReqReadConfig:
		return ServerResponse{Kind: RespReadConfig, ConfigValue: fn.read32(req.ConfigOffset)}

	case ReqWriteConfig:
		fn.write32(req.ConfigOffset, req.ConfigValue)
		return ServerResponse{Kind: RespWriteConfig}

	default:
		return ServerResponse{Kind: RespError, Err: "unknown request kind"}
	}
}
