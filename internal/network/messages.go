package network

// Message types
const (
	// Client -> Server
	MsgTypeInput     uint8 = 0x01
	MsgTypeJoinRoom  uint8 = 0x02
	MsgTypeLeaveRoom uint8 = 0x03
	MsgTypePing      uint8 = 0x04
	MsgTypeStart     uint8 = 0x05

	// Server -> Client
	MsgTypeSnapshot    uint8 = 0x10
	MsgTypePlayerJoin  uint8 = 0x11
	MsgTypePlayerLeave uint8 = 0x12
	MsgTypeKick        uint8 = 0x13
	MsgTypeRoomInfo    uint8 = 0x14
	MsgTypePong        uint8 = 0x15
	MsgTypeRoundResult uint8 = 0x16
	MsgTypeError       uint8 = 0xFF
)

// Input flags
const (
	InputHasPosition uint8 = 1 << 0
)

// Player flags
const (
	FlagOffTrack uint8 = 1 << 0
)

// Snapshot flags
const (
	SnapshotFull uint8 = 1 << 0
)

// InputMessage from client (12 bytes, 24 with a reported position)
type InputMessage struct {
	Steering  int8 // -127 to 127 -> -1.0 to 1.0
	Throttle  int8 // -127 to 127 -> -1.0 to 1.0
	Flags     uint8
	Timestamp uint64
	X, Y, Z   float32
}

// JoinMessage from client
type JoinMessage struct {
	Name    string
	Token   string
	HasSeed bool
	Seed    int64
}

// PlayerData in a snapshot (36 bytes per player)
type PlayerData struct {
	Slot     uint16
	X, Y, Z  float32
	Heading  float32
	Velocity float32
	Slip     float32
	Lateral  float32
	Distance float32
	Strikes  uint8
	Flags    uint8
}

// SegmentData in a snapshot (27 bytes + 12 per centerline point)
type SegmentData struct {
	Index         uint32
	Type          uint8
	Length        float32
	Curvature     float32
	Banking       float32
	Width         float32
	StartDistance float32
	Points        [][3]float32
}

// CheckpointData in a snapshot (20 bytes)
type CheckpointData struct {
	Index   uint32
	X, Y, Z float32
	Arc     float32
}

// SnapshotMessage to client
type SnapshotMessage struct {
	Tick        uint32
	Flags       uint8
	Players     []PlayerData
	Removed     []uint16
	Segments    []SegmentData
	Checkpoints []CheckpointData
}

// RoomInfoMessage to client
type RoomInfoMessage struct {
	RoomID      string
	Seed        int64
	PlayerCount uint8
	MaxPlayers  uint8
	YourSlot    uint16
	Status      uint8
}

// StandingData in a round result (8 bytes)
type StandingData struct {
	Rank       uint8
	Slot       uint16
	Distance   float32
	Eliminated bool
}

// RoundResultMessage to client
type RoundResultMessage struct {
	Reason    string
	Tick      uint32
	Standings []StandingData
}

// Error codes
const (
	ErrorCodeInvalidMessage uint8 = 1
	ErrorCodeRoomFull       uint8 = 2
	ErrorCodeKicked         uint8 = 3
	ErrorCodeServerError    uint8 = 4
	ErrorCodeRoomState      uint8 = 5
	ErrorCodeUnauthorized   uint8 = 6
)
