package protocol

// Message tags. Stable; gaps are reserved.
const (
	TagHello              byte = 0x01
	TagAuthenticate       byte = 0x02
	TagAuthenticateResult byte = 0x03
	TagPing               byte = 0x04
	TagPong               byte = 0x05
	TagCreateRoom         byte = 0x10
	TagJoinRoom           byte = 0x11
	TagLeaveRoom          byte = 0x12
	TagRoomStateUpdate    byte = 0x13
	TagSelectChart        byte = 0x14
	TagReady              byte = 0x15
	TagCancelReady        byte = 0x16
	TagStartPlaying       byte = 0x17
	TagSubmitScore        byte = 0x18
	TagGameEnd            byte = 0x19
	TagKicked             byte = 0x1A
	TagServerMessage      byte = 0x1B
	TagChat               byte = 0x1C
	TagChatEvent          byte = 0x1D
	TagGoodbye            byte = 0x1E
	TagError              byte = 0x1F
)

// Message is one typed protocol message, inbound or outbound.
type Message interface {
	Tag() byte
	encodePayload(w *writer)
}

// Hello opens the session and negotiates the protocol version.
type Hello struct {
	ProtocolVersion uint8
	ClientVersion   string
}

// Authenticate presents the opaque identity-service token.
type Authenticate struct {
	Token string
}

// AuthenticateResult reports the handshake outcome.
type AuthenticateResult struct {
	OK           bool
	User         *User
	Announcement string
}

// Ping is the keepalive probe; Seq is the per-session monotonic sequence.
type Ping struct {
	Seq uint32
}

// Pong acknowledges a Ping with the same sequence.
type Pong struct {
	Seq uint32
}

// CreateRoom asks the registry for a new room with the sender as host.
type CreateRoom struct {
	Name     string
	Capacity uint8
}

// JoinRoom asks to join an existing room by id.
type JoinRoom struct {
	RoomID string
}

// LeaveRoom leaves the current room.
type LeaveRoom struct{}

// RoomStateUpdate carries the full room projection to a player.
type RoomStateUpdate struct {
	Snapshot RoomSnapshot
}

// SelectChart replaces the room's selected chart (host only).
type SelectChart struct {
	Chart Chart
}

// Ready marks the sender ready for the selected chart.
type Ready struct{}

// CancelReady clears the sender's ready flag.
type CancelReady struct{}

// StartPlaying announces the synchronized playthrough start.
type StartPlaying struct {
	Chart Chart
}

// SubmitScore reports the sender's result for the current game instance.
type SubmitScore struct {
	Score ScoreRecord
}

// GameEnd carries the final ranking of a game instance.
type GameEnd struct {
	Results []GameResult
}

// Kicked tells a player they were removed; the session closes afterwards.
type Kicked struct {
	Code   ErrorCode
	Reason string
}

// ServerMessage is an operator broadcast shown to all players.
type ServerMessage struct {
	Text string
}

// Chat is an in-room chat line from a player.
type Chat struct {
	Text string
}

// ChatEvent fans one room event out to the room's members.
type ChatEvent struct {
	Event Event
}

// Goodbye is the best-effort shutdown notice.
type Goodbye struct{}

// Error carries a stable code and a human-readable message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (Hello) Tag() byte              { return TagHello }
func (Authenticate) Tag() byte       { return TagAuthenticate }
func (AuthenticateResult) Tag() byte { return TagAuthenticateResult }
func (Ping) Tag() byte               { return TagPing }
func (Pong) Tag() byte               { return TagPong }
func (CreateRoom) Tag() byte         { return TagCreateRoom }
func (JoinRoom) Tag() byte           { return TagJoinRoom }
func (LeaveRoom) Tag() byte          { return TagLeaveRoom }
func (RoomStateUpdate) Tag() byte    { return TagRoomStateUpdate }
func (SelectChart) Tag() byte        { return TagSelectChart }
func (Ready) Tag() byte              { return TagReady }
func (CancelReady) Tag() byte        { return TagCancelReady }
func (StartPlaying) Tag() byte       { return TagStartPlaying }
func (SubmitScore) Tag() byte        { return TagSubmitScore }
func (GameEnd) Tag() byte            { return TagGameEnd }
func (Kicked) Tag() byte             { return TagKicked }
func (ServerMessage) Tag() byte      { return TagServerMessage }
func (Chat) Tag() byte               { return TagChat }
func (ChatEvent) Tag() byte          { return TagChatEvent }
func (Goodbye) Tag() byte            { return TagGoodbye }
func (Error) Tag() byte              { return TagError }

// --- payload encoders ---

func (m Hello) encodePayload(w *writer) {
	w.u8(m.ProtocolVersion)
	w.str(m.ClientVersion)
}

func (m Authenticate) encodePayload(w *writer) {
	w.str(m.Token)
}

func (m AuthenticateResult) encodePayload(w *writer) {
	w.bool(m.OK)
	w.bool(m.User != nil)
	if m.User != nil {
		encodeUser(w, *m.User)
	}
	w.str(m.Announcement)
}

func (m Ping) encodePayload(w *writer) { w.u32(m.Seq) }
func (m Pong) encodePayload(w *writer) { w.u32(m.Seq) }

func (m CreateRoom) encodePayload(w *writer) {
	w.str(m.Name)
	w.u8(m.Capacity)
}

func (m JoinRoom) encodePayload(w *writer)  { w.str(m.RoomID) }
func (m LeaveRoom) encodePayload(w *writer) {}

func (m RoomStateUpdate) encodePayload(w *writer) {
	encodeSnapshot(w, m.Snapshot)
}

func (m SelectChart) encodePayload(w *writer)  { encodeChart(w, m.Chart) }
func (m Ready) encodePayload(w *writer)        {}
func (m CancelReady) encodePayload(w *writer)  {}
func (m StartPlaying) encodePayload(w *writer) { encodeChart(w, m.Chart) }

func (m SubmitScore) encodePayload(w *writer) { encodeScore(w, m.Score) }

func (m GameEnd) encodePayload(w *writer) {
	w.u16(uint16(len(m.Results)))
	for _, res := range m.Results {
		encodeResult(w, res)
	}
}

func (m Kicked) encodePayload(w *writer) {
	w.u16(uint16(m.Code))
	w.str(m.Reason)
}

func (m ServerMessage) encodePayload(w *writer) { w.str(m.Text) }
func (m Chat) encodePayload(w *writer)          { w.str(m.Text) }

func (m ChatEvent) encodePayload(w *writer) { encodeEvent(w, m.Event) }

func (m Goodbye) encodePayload(w *writer) {}

func (m Error) encodePayload(w *writer) {
	w.u16(uint16(m.Code))
	w.str(m.Message)
}

// --- payload decoder ---

func decodePayload(tag byte, payload []byte) (Message, error) {
	r := &reader{buf: payload}
	var msg Message
	switch tag {
	case TagHello:
		msg = Hello{ProtocolVersion: r.u8(), ClientVersion: r.str()}
	case TagAuthenticate:
		msg = Authenticate{Token: r.str()}
	case TagAuthenticateResult:
		m := AuthenticateResult{OK: r.boolean()}
		if r.boolean() {
			u := decodeUser(r)
			m.User = &u
		}
		m.Announcement = r.str()
		msg = m
	case TagPing:
		msg = Ping{Seq: r.u32()}
	case TagPong:
		msg = Pong{Seq: r.u32()}
	case TagCreateRoom:
		msg = CreateRoom{Name: r.str(), Capacity: r.u8()}
	case TagJoinRoom:
		msg = JoinRoom{RoomID: r.str()}
	case TagLeaveRoom:
		msg = LeaveRoom{}
	case TagRoomStateUpdate:
		msg = RoomStateUpdate{Snapshot: decodeSnapshot(r)}
	case TagSelectChart:
		msg = SelectChart{Chart: decodeChart(r)}
	case TagReady:
		msg = Ready{}
	case TagCancelReady:
		msg = CancelReady{}
	case TagStartPlaying:
		msg = StartPlaying{Chart: decodeChart(r)}
	case TagSubmitScore:
		msg = SubmitScore{Score: decodeScore(r)}
	case TagGameEnd:
		n := int(r.u16())
		m := GameEnd{Results: make([]GameResult, 0, n)}
		for i := 0; i < n; i++ {
			m.Results = append(m.Results, decodeResult(r))
		}
		msg = m
	case TagKicked:
		msg = Kicked{Code: ErrorCode(r.u16()), Reason: r.str()}
	case TagServerMessage:
		msg = ServerMessage{Text: r.str()}
	case TagChat:
		msg = Chat{Text: r.str()}
	case TagChatEvent:
		msg = ChatEvent{Event: decodeEvent(r)}
	case TagGoodbye:
		msg = Goodbye{}
	case TagError:
		msg = Error{Code: ErrorCode(r.u16()), Message: r.str()}
	default:
		return nil, &UnknownTagError{Tag: tag}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// --- composite codecs ---

func encodeUser(w *writer, u User) {
	w.i32(u.ID)
	w.str(u.Name)
	w.str(u.Avatar)
}

func decodeUser(r *reader) User {
	return User{ID: r.i32(), Name: r.str(), Avatar: r.str()}
}

func encodeChart(w *writer, c Chart) {
	w.str(c.ID)
	w.str(c.Name)
	w.str(c.Level)
	w.f64(c.Difficulty)
	w.str(c.Charter)
	w.str(c.Composer)
	w.str(c.Illustration)
	w.str(c.File)
	w.f64(c.Rating)
	w.u32(c.RatingCount)
	w.str(c.Uploader)
}

func decodeChart(r *reader) Chart {
	return Chart{
		ID:           r.str(),
		Name:         r.str(),
		Level:        r.str(),
		Difficulty:   r.f64(),
		Charter:      r.str(),
		Composer:     r.str(),
		Illustration: r.str(),
		File:         r.str(),
		Rating:       r.f64(),
		RatingCount:  r.u32(),
		Uploader:     r.str(),
	}
}

func encodeOptChart(w *writer, c *Chart) {
	w.bool(c != nil)
	if c != nil {
		encodeChart(w, *c)
	}
}

func decodeOptChart(r *reader) *Chart {
	if !r.boolean() {
		return nil
	}
	c := decodeChart(r)
	return &c
}

func encodeScore(w *writer, s ScoreRecord) {
	w.u32(s.Score)
	w.f64(s.Accuracy)
	w.u32(s.MaxCombo)
	w.u32(s.Perfect)
	w.u32(s.Good)
	w.u32(s.Bad)
	w.u32(s.Miss)
}

func decodeScore(r *reader) ScoreRecord {
	return ScoreRecord{
		Score:    r.u32(),
		Accuracy: r.f64(),
		MaxCombo: r.u32(),
		Perfect:  r.u32(),
		Good:     r.u32(),
		Bad:      r.u32(),
		Miss:     r.u32(),
	}
}

func encodeResult(w *writer, res GameResult) {
	w.i32(res.UserID)
	w.str(res.UserName)
	encodeScore(w, res.Score)
	w.bool(res.Aborted)
}

func decodeResult(r *reader) GameResult {
	return GameResult{
		UserID:   r.i32(),
		UserName: r.str(),
		Score:    decodeScore(r),
		Aborted:  r.boolean(),
	}
}

func encodeEvent(w *writer, e Event) {
	tag, ok := eventKindTags[e.Kind]
	if !ok && w.err == nil {
		w.err = Errf(CodeInternal, "unencodable event kind %q", e.Kind)
		return
	}
	w.u8(tag)
	w.i32(e.UserID)
	w.str(e.UserName)
	w.str(e.Text)
	w.u32(e.Score)
	w.f64(e.Accuracy)
	w.timeMilli(e.Time)
}

func decodeEvent(r *reader) Event {
	tag := r.u8()
	kind, ok := eventKindByTag[tag]
	if !ok {
		r.fail()
	}
	return Event{
		Kind:     kind,
		UserID:   r.i32(),
		UserName: r.str(),
		Text:     r.str(),
		Score:    r.u32(),
		Accuracy: r.f64(),
		Time:     r.timeMilli(),
	}
}

func encodeMember(w *writer, m MemberInfo) {
	w.i32(m.ID)
	w.str(m.Name)
	w.str(m.Avatar)
	w.bool(m.Ready)
	w.bool(m.Online)
}

func decodeMember(r *reader) MemberInfo {
	return MemberInfo{
		ID:     r.i32(),
		Name:   r.str(),
		Avatar: r.str(),
		Ready:  r.boolean(),
		Online: r.boolean(),
	}
}

func encodeSnapshot(w *writer, s RoomSnapshot) {
	w.str(s.ID)
	w.str(s.Name)
	w.u8(uint8(s.State))
	w.i32(s.HostID)
	w.u8(s.Capacity)
	w.bool(s.Locked)
	w.bool(s.Cycle)
	w.u16(uint16(len(s.Members)))
	for _, m := range s.Members {
		encodeMember(w, m)
	}
	encodeOptChart(w, s.Chart)
	encodeOptChart(w, s.LastChart)
	w.u16(uint16(len(s.Events)))
	for _, e := range s.Events {
		encodeEvent(w, e)
	}
	w.u16(uint16(len(s.Results)))
	for _, res := range s.Results {
		encodeResult(w, res)
	}
}

func decodeSnapshot(r *reader) RoomSnapshot {
	s := RoomSnapshot{
		ID:       r.str(),
		Name:     r.str(),
		State:    RoomState(r.u8()),
		HostID:   r.i32(),
		Capacity: r.u8(),
		Locked:   r.boolean(),
		Cycle:    r.boolean(),
	}
	n := int(r.u16())
	s.Members = make([]MemberInfo, 0, n)
	for i := 0; i < n; i++ {
		s.Members = append(s.Members, decodeMember(r))
	}
	s.Chart = decodeOptChart(r)
	s.LastChart = decodeOptChart(r)
	n = int(r.u16())
	if n > 0 {
		s.Events = make([]Event, 0, n)
		for i := 0; i < n; i++ {
			s.Events = append(s.Events, decodeEvent(r))
		}
	}
	n = int(r.u16())
	if n > 0 {
		s.Results = make([]GameResult, 0, n)
		for i := 0; i < n; i++ {
			s.Results = append(s.Results, decodeResult(r))
		}
	}
	return s
}
