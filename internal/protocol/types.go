package protocol

import "time"

// User is the authenticated identity established at handshake. Immutable for
// the lifetime of a session.
type User struct {
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Chart is the immutable metadata of a selected song.
type Chart struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Level        string  `json:"level"`
	Difficulty   float64 `json:"difficulty"`
	Charter      string  `json:"charter"`
	Composer     string  `json:"composer"`
	Illustration string  `json:"illustration"`
	File         string  `json:"file"`
	Rating       float64 `json:"rating"`
	RatingCount  uint32  `json:"ratingCount"`
	Uploader     string  `json:"uploader"`
}

// ScoreRecord is one player's result for one game instance.
type ScoreRecord struct {
	Score    uint32  `json:"score"`
	Accuracy float64 `json:"accuracy"`
	MaxCombo uint32  `json:"maxCombo"`
	Perfect  uint32  `json:"perfect"`
	Good     uint32  `json:"good"`
	Bad      uint32  `json:"bad"`
	Miss     uint32  `json:"miss"`
}

// GameResult is one ranked entry in a finished game. Aborted entries rank
// after all submitted scores.
type GameResult struct {
	UserID   int32       `json:"userId"`
	UserName string      `json:"userName"`
	Score    ScoreRecord `json:"score"`
	Aborted  bool        `json:"aborted"`
}

// RoomState is the room-global lifecycle state.
type RoomState uint8

const (
	StateSelecting RoomState = iota
	StateWaitingForReady
	StatePlaying
	StateResults
)

func (s RoomState) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateWaitingForReady:
		return "waitingForReady"
	case StatePlaying:
		return "playing"
	case StateResults:
		return "results"
	default:
		return "unknown"
	}
}

// MemberInfo is the per-member view carried in room snapshots.
type MemberInfo struct {
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Ready  bool   `json:"ready"`
	Online bool   `json:"online"`
}

// RoomSnapshot is the full projection of one room, sent to players as
// RoomStateUpdate and to observers as roomDetails.
type RoomSnapshot struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     RoomState    `json:"state"`
	HostID    int32        `json:"hostId"`
	Capacity  uint8        `json:"capacity"`
	Locked    bool         `json:"locked"`
	Cycle     bool         `json:"cycle"`
	Members   []MemberInfo `json:"players"`
	Chart     *Chart       `json:"chart,omitempty"`
	LastChart *Chart       `json:"lastChart,omitempty"`
	Events    []Event      `json:"messages"`
	Results   []GameResult `json:"scores,omitempty"`
}

// RoomDigest is the compact per-room entry of the observer room list.
type RoomDigest struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Players  int       `json:"players"`
	Capacity uint8     `json:"capacity"`
	Locked   bool      `json:"locked"`
	State    RoomState `json:"state"`
}

// EventKind tags the variants of the per-room event record.
type EventKind string

const (
	EventChat         EventKind = "chat"
	EventJoinRoom     EventKind = "joinRoom"
	EventLeaveRoom    EventKind = "leaveRoom"
	EventCreateRoom   EventKind = "createRoom"
	EventNewHost      EventKind = "newHost"
	EventSelectChart  EventKind = "selectChart"
	EventGameStart    EventKind = "gameStart"
	EventReady        EventKind = "ready"
	EventCancelReady  EventKind = "cancelReady"
	EventCancelGame   EventKind = "cancelGame"
	EventStartPlaying EventKind = "startPlaying"
	EventPlayed       EventKind = "played"
	EventAbort        EventKind = "abort"
	EventGameEnd      EventKind = "gameEnd"
	EventLockRoom     EventKind = "lockRoom"
	EventCycleRoom    EventKind = "cycleRoom"
)

// Event is a tagged record of one room mutation, ordered by emission order
// within its room. The populated fields vary by kind: Text carries the chat
// body, chart name, or lock/cycle flag description; Score and Accuracy are
// set for played entries.
type Event struct {
	Kind     EventKind `json:"kind"`
	UserID   int32     `json:"userId,omitempty"`
	UserName string    `json:"userName,omitempty"`
	Text     string    `json:"text,omitempty"`
	Score    uint32    `json:"score,omitempty"`
	Accuracy float64   `json:"accuracy,omitempty"`
	Time     time.Time `json:"time"`
}

// eventKindTags maps event kinds to their stable wire tags.
var eventKindTags = map[EventKind]uint8{
	EventChat:         0,
	EventJoinRoom:     1,
	EventLeaveRoom:    2,
	EventCreateRoom:   3,
	EventNewHost:      4,
	EventSelectChart:  5,
	EventGameStart:    6,
	EventReady:        7,
	EventCancelReady:  8,
	EventCancelGame:   9,
	EventStartPlaying: 10,
	EventPlayed:       11,
	EventAbort:        12,
	EventGameEnd:      13,
	EventLockRoom:     14,
	EventCycleRoom:    15,
}

var eventKindByTag = func() map[uint8]EventKind {
	m := make(map[uint8]EventKind, len(eventKindTags))
	for k, t := range eventKindTags {
		m[t] = k
	}
	return m
}()
