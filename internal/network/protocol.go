// Package network implements the binary wire protocol. All multi-byte values
// are little-endian; strings are length-prefixed with one byte.
package network

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/race/endless/internal/game"
	"github.com/race/endless/internal/track"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Protocol handles binary encoding/decoding
type Protocol struct{}

// NewProtocol creates a new protocol handler
func NewProtocol() *Protocol {
	return &Protocol{}
}

// reader walks a message, remembering the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = ErrBufferTooSmall
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) str() string {
	n := int(r.u8())
	return string(r.take(n))
}

func appendF32(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
}

func appendStr(buf []byte, s string) []byte {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	buf = append(buf, uint8(len(b)))
	return append(buf, b...)
}

func header(data []byte, want uint8) (*reader, error) {
	if len(data) == 0 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != want {
		return nil, ErrInvalidMessage
	}
	return &reader{data: data, off: 1}, nil
}

// DecodeInput decodes a client input message
func (p *Protocol) DecodeInput(data []byte) (*InputMessage, error) {
	r, err := header(data, MsgTypeInput)
	if err != nil {
		return nil, err
	}

	msg := &InputMessage{
		Steering:  int8(r.u8()),
		Throttle:  int8(r.u8()),
		Flags:     r.u8(),
		Timestamp: r.u64(),
	}
	if msg.Flags&InputHasPosition != 0 {
		msg.X, msg.Y, msg.Z = r.f32(), r.f32(), r.f32()
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodeInput encodes a client input message
func (p *Protocol) EncodeInput(msg *InputMessage) []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, MsgTypeInput, uint8(msg.Steering), uint8(msg.Throttle), msg.Flags)
	buf = binary.LittleEndian.AppendUint64(buf, msg.Timestamp)
	if msg.Flags&InputHasPosition != 0 {
		buf = appendF32(buf, float64(msg.X))
		buf = appendF32(buf, float64(msg.Y))
		buf = appendF32(buf, float64(msg.Z))
	}
	return buf
}

// DecodeJoin decodes a join message
func (p *Protocol) DecodeJoin(data []byte) (*JoinMessage, error) {
	r, err := header(data, MsgTypeJoinRoom)
	if err != nil {
		return nil, err
	}

	msg := &JoinMessage{
		Name:  r.str(),
		Token: r.str(),
	}
	msg.HasSeed = r.u8() != 0
	if msg.HasSeed {
		msg.Seed = int64(r.u64())
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodeJoin encodes a join message
func (p *Protocol) EncodeJoin(msg *JoinMessage) []byte {
	buf := []byte{MsgTypeJoinRoom}
	buf = appendStr(buf, msg.Name)
	buf = appendStr(buf, msg.Token)
	if msg.HasSeed {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(msg.Seed))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// EncodeSnapshot encodes a snapshot message
func (p *Protocol) EncodeSnapshot(s *game.Snapshot) []byte {
	buf := make([]byte, 0, 64+len(s.Players)*36)
	buf = append(buf, MsgTypeSnapshot)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Tick))

	flags := uint8(0)
	if s.Full {
		flags |= SnapshotFull
	}
	buf = append(buf, flags)

	players := s.Players
	if len(players) > 255 {
		players = players[:255]
	}
	buf = append(buf, uint8(len(players)))
	for _, ps := range players {
		buf = p.appendPlayer(buf, ps)
	}

	removed := s.Removed
	if len(removed) > 255 {
		removed = removed[:255]
	}
	buf = append(buf, uint8(len(removed)))
	for _, slot := range removed {
		buf = binary.LittleEndian.AppendUint16(buf, slot)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.NewSegments)))
	for _, seg := range s.NewSegments {
		buf = p.appendSegment(buf, seg)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.NewCheckpoints)))
	for _, cp := range s.NewCheckpoints {
		buf = binary.LittleEndian.AppendUint32(buf, cp.Index)
		buf = appendVec(buf, cp.Position)
		buf = appendF32(buf, cp.Arc)
	}
	return buf
}

// appendPlayer encodes a single player (36 bytes)
func (p *Protocol) appendPlayer(buf []byte, ps game.PlayerState) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, ps.Slot)
	buf = appendVec(buf, ps.Position)
	buf = appendF32(buf, ps.Heading)
	buf = appendF32(buf, ps.Velocity)
	buf = appendF32(buf, ps.Slip)
	buf = appendF32(buf, ps.LateralOffset)
	buf = appendF32(buf, ps.Distance)

	strikes := ps.Strikes
	if strikes > 255 {
		strikes = 255
	}
	flags := uint8(0)
	if ps.OffTrack {
		flags |= FlagOffTrack
	}
	return append(buf, uint8(strikes), flags)
}

func (p *Protocol) appendSegment(buf []byte, seg track.Segment) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, seg.Index)
	buf = append(buf, uint8(seg.Type))
	buf = appendF32(buf, seg.Length)
	buf = appendF32(buf, seg.Curvature)
	buf = appendF32(buf, seg.Banking)
	buf = appendF32(buf, seg.Width)
	buf = appendF32(buf, seg.StartDistance)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(seg.Points)))
	for _, pt := range seg.Points {
		buf = appendVec(buf, pt)
	}
	return buf
}

func appendVec(buf []byte, v track.Vec3) []byte {
	buf = appendF32(buf, v.X)
	buf = appendF32(buf, v.Y)
	return appendF32(buf, v.Z)
}

// DecodeSnapshot decodes a snapshot message
func (p *Protocol) DecodeSnapshot(data []byte) (*SnapshotMessage, error) {
	r, err := header(data, MsgTypeSnapshot)
	if err != nil {
		return nil, err
	}

	msg := &SnapshotMessage{Tick: r.u32(), Flags: r.u8()}

	for n := int(r.u8()); n > 0 && r.err == nil; n-- {
		msg.Players = append(msg.Players, PlayerData{
			Slot:     r.u16(),
			X:        r.f32(),
			Y:        r.f32(),
			Z:        r.f32(),
			Heading:  r.f32(),
			Velocity: r.f32(),
			Slip:     r.f32(),
			Lateral:  r.f32(),
			Distance: r.f32(),
			Strikes:  r.u8(),
			Flags:    r.u8(),
		})
	}
	for n := int(r.u8()); n > 0 && r.err == nil; n-- {
		msg.Removed = append(msg.Removed, r.u16())
	}
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		seg := SegmentData{
			Index:         r.u32(),
			Type:          r.u8(),
			Length:        r.f32(),
			Curvature:     r.f32(),
			Banking:       r.f32(),
			Width:         r.f32(),
			StartDistance: r.f32(),
		}
		for k := int(r.u16()); k > 0 && r.err == nil; k-- {
			seg.Points = append(seg.Points, [3]float32{r.f32(), r.f32(), r.f32()})
		}
		msg.Segments = append(msg.Segments, seg)
	}
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		msg.Checkpoints = append(msg.Checkpoints, CheckpointData{
			Index: r.u32(),
			X:     r.f32(),
			Y:     r.f32(),
			Z:     r.f32(),
			Arc:   r.f32(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodePlayerJoin encodes a player join message
func (p *Protocol) EncodePlayerJoin(slot uint16, name string) []byte {
	buf := []byte{MsgTypePlayerJoin}
	buf = binary.LittleEndian.AppendUint16(buf, slot)
	return appendStr(buf, name)
}

// EncodePlayerLeave encodes a player leave message
func (p *Protocol) EncodePlayerLeave(slot uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = MsgTypePlayerLeave
	binary.LittleEndian.PutUint16(buf[1:3], slot)
	return buf
}

// EncodeKick encodes a forced disconnect
func (p *Protocol) EncodeKick(slot uint16, reason string) []byte {
	buf := []byte{MsgTypeKick}
	buf = binary.LittleEndian.AppendUint16(buf, slot)
	return appendStr(buf, reason)
}

// EncodeRoomInfo encodes room info message
func (p *Protocol) EncodeRoomInfo(msg *RoomInfoMessage) []byte {
	buf := []byte{MsgTypeRoomInfo}
	buf = appendStr(buf, msg.RoomID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(msg.Seed))
	buf = append(buf, msg.PlayerCount, msg.MaxPlayers)
	buf = binary.LittleEndian.AppendUint16(buf, msg.YourSlot)
	return append(buf, msg.Status)
}

// DecodeRoomInfo decodes room info message
func (p *Protocol) DecodeRoomInfo(data []byte) (*RoomInfoMessage, error) {
	r, err := header(data, MsgTypeRoomInfo)
	if err != nil {
		return nil, err
	}
	msg := &RoomInfoMessage{
		RoomID:      r.str(),
		Seed:        int64(r.u64()),
		PlayerCount: r.u8(),
		MaxPlayers:  r.u8(),
		YourSlot:    r.u16(),
		Status:      r.u8(),
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodeRoundResult encodes the end-of-round ranking
func (p *Protocol) EncodeRoundResult(res *game.RoundResult) []byte {
	buf := []byte{MsgTypeRoundResult}
	buf = appendStr(buf, res.Reason)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(res.Tick))

	standings := res.Standings
	if len(standings) > 255 {
		standings = standings[:255]
	}
	buf = append(buf, uint8(len(standings)))
	for _, s := range standings {
		buf = append(buf, uint8(s.Rank))
		buf = binary.LittleEndian.AppendUint16(buf, s.Slot)
		buf = appendF32(buf, s.Distance)
		if s.Eliminated {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodeRoundResult decodes the end-of-round ranking
func (p *Protocol) DecodeRoundResult(data []byte) (*RoundResultMessage, error) {
	r, err := header(data, MsgTypeRoundResult)
	if err != nil {
		return nil, err
	}
	msg := &RoundResultMessage{Reason: r.str(), Tick: r.u32()}
	for n := int(r.u8()); n > 0 && r.err == nil; n-- {
		msg.Standings = append(msg.Standings, StandingData{
			Rank:       r.u8(),
			Slot:       r.u16(),
			Distance:   r.f32(),
			Eliminated: r.u8() != 0,
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

// EncodePong encodes a pong message
func (p *Protocol) EncodePong(timestamp uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypePong
	binary.LittleEndian.PutUint64(buf[1:9], timestamp)
	return buf
}

// EncodeError encodes an error message
func (p *Protocol) EncodeError(code uint8, message string) []byte {
	buf := []byte{MsgTypeError, code}
	return appendStr(buf, message)
}

// DecodeError decodes an error message
func (p *Protocol) DecodeError(data []byte) (uint8, string, error) {
	r, err := header(data, MsgTypeError)
	if err != nil {
		return 0, "", err
	}
	code, message := r.u8(), r.str()
	if r.err != nil {
		return 0, "", r.err
	}
	return code, message, nil
}

// ToGameInput converts a decoded input message to simulator input
func ToGameInput(msg *InputMessage) game.Input {
	steering, throttle := DecodeSteeringThrottle(msg.Steering, msg.Throttle)
	in := game.Input{
		Steering:  steering,
		Throttle:  throttle,
		Timestamp: msg.Timestamp,
	}
	if msg.Flags&InputHasPosition != 0 {
		in.Reported = &track.Vec3{X: float64(msg.X), Y: float64(msg.Y), Z: float64(msg.Z)}
	}
	return in
}

// DecodeSteeringThrottle converts int8 values to float64
func DecodeSteeringThrottle(steering, throttle int8) (float64, float64) {
	return float64(steering) / 127.0, float64(throttle) / 127.0
}

// EncodeSteeringThrottle converts [-1, 1] values to int8, clamping
func EncodeSteeringThrottle(steering, throttle float64) (int8, int8) {
	q := func(v float64) int8 {
		return int8(math.Round(math.Max(-1, math.Min(1, v)) * 127))
	}
	return q(steering), q(throttle)
}
