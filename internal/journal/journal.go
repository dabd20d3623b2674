package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	MagicHeader string = `FVTJ` // 4 байта
	Version1    uint32 = 1
)

// Максимумы полей записи, продиктованные ширинами заголовка.
const (
	maxEventLen   = 255
	maxPayloadLen = 1<<32 - 1
)

// FileHeader - точное представление заголовка файла в памяти.
// binary.Write умеет писать это целиком, так как тут нет слайсов и
// строк, только массивы и числа.
type FileHeader struct {
	Magic      [4]byte // 4 байта
	Version    uint32  // 4 байта
	StartedAt  int64   // 8 байт, unix-миллисекунды
	EventCount int32   // 4 байта
	_          int32   // выравнивание до 24 байт
}

// EventHeader - заголовок каждой записи события.
type EventHeader struct {
	Offset     int64  // 8, миллисекунды от начала сессии
	EventLen   uint8  // 1
	_          [3]byte
	PayloadLen uint32 // 4
}

// Event - одно входящее сообщение сокета: имя канала и сырой конверт.
type Event struct {
	Timestamp time.Time
	Event     string
	Payload   json.RawMessage
}

// Session - полная запись одной сессии для последующего проигрывания.
type Session struct {
	StartedAt time.Time
	Events    []Event
}

// Recorder накапливает события сессии и сохраняет их в журнал.
// Безопасен для конкурентного использования.
type Recorder struct {
	mu      sync.Mutex
	saveDir string
	session Session
}

func NewRecorder(dir string) *Recorder {
	// Создаем папку если нет
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0755)
	}
	return &Recorder{
		saveDir: dir,
		session: Session{StartedAt: time.Now()},
	}
}

// Append дописывает одно событие в хвост сессии.
func (r *Recorder) Append(event string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Events = append(r.session.Events, Event{
		Timestamp: time.Now(),
		Event:     event,
		Payload:   append(json.RawMessage(nil), payload...),
	})
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.session.Events)
}

// Save пишет журнал на диск и возвращает путь к файлу.
func (r *Recorder) Save() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filename := fmt.Sprintf("session_%d.fvtj", r.session.StartedAt.UnixMilli())
	path := filepath.Join(r.saveDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := writeBinary(f, &r.session); err != nil {
		return "", err
	}
	return path, nil
}

func writeBinary(w io.Writer, s *Session) error {
	header := FileHeader{
		Version:    Version1,
		StartedAt:  s.StartedAt.UnixMilli(),
		EventCount: int32(len(s.Events)),
	}
	copy(header.Magic[:], MagicHeader)

	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, ev := range s.Events {
		eventBytes := []byte(ev.Event)
		if len(eventBytes) > maxEventLen {
			return fmt.Errorf("event name too long: %d", len(eventBytes))
		}
		if len(ev.Payload) > maxPayloadLen {
			return fmt.Errorf("payload too long: %d", len(ev.Payload))
		}

		evHeader := EventHeader{
			Offset:     ev.Timestamp.UnixMilli() - s.StartedAt.UnixMilli(),
			EventLen:   uint8(len(eventBytes)),
			PayloadLen: uint32(len(ev.Payload)),
		}
		if err := binary.Write(w, binary.LittleEndian, &evHeader); err != nil {
			return err
		}
		if _, err := w.Write(eventBytes); err != nil {
			return err
		}
		if len(ev.Payload) > 0 {
			if _, err := w.Write(ev.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load читает журнал из файла.
func Load(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readBinary(f)
}

func readBinary(r io.Reader) (*Session, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	if string(header.Magic[:]) != MagicHeader {
		return nil, fmt.Errorf("invalid magic")
	}
	if header.Version != Version1 {
		return nil, fmt.Errorf("unsupported version: %d (expected %d)", header.Version, Version1)
	}

	session := &Session{
		StartedAt: time.UnixMilli(header.StartedAt),
		Events:    make([]Event, header.EventCount),
	}

	for i := 0; i < int(header.EventCount); i++ {
		var eh EventHeader
		if err := binary.Read(r, binary.LittleEndian, &eh); err != nil {
			return nil, err
		}

		ev := Event{Timestamp: session.StartedAt.Add(time.Duration(eh.Offset) * time.Millisecond)}

		eventBuf := make([]byte, eh.EventLen)
		if _, err := io.ReadFull(r, eventBuf); err != nil {
			return nil, err
		}
		ev.Event = string(eventBuf)

		if eh.PayloadLen > 0 {
			ev.Payload = make([]byte, eh.PayloadLen)
			if _, err := io.ReadFull(r, ev.Payload); err != nil {
				return nil, err
			}
		} else {
			ev.Payload = json.RawMessage{}
		}

		session.Events[i] = ev
	}

	return session, nil
}
