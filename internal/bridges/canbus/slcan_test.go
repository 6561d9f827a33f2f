package canbus

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort replays queued read chunks and records writes.
type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, nil // serial read timeout
	}
	n := copy(b, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if len(p.chunks[0]) == 0 {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	p.chunks = append(p.chunks, []byte(s))
	p.mu.Unlock()
}

func TestEncodeSLCAN(t *testing.T) {
	line, err := encodeSLCAN(NewFrame(0x101, 0x01, 0x00, 0x00, 0x00, 0x00, 0x64))
	require.NoError(t, err)
	assert.Equal(t, "t1016010000000064\r", string(line))

	line, err = encodeSLCAN(NewFrame(0x201))
	require.NoError(t, err)
	assert.Equal(t, "t2010\r", string(line))

	_, err = encodeSLCAN(NewFrame(0x900))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeSLCAN(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantFrame Frame
		isFrame   bool
		wantErr   bool
	}{
		{name: "data frame", line: "t1832FF03", wantFrame: Frame{ID: 0x183, Data: []byte{0xFF, 0x03}}, isFrame: true},
		{name: "with timestamp", line: "t5838" + "8000000000000000" + "1A2B", wantFrame: Frame{ID: 0x583, Data: []byte{0x80, 0, 0, 0, 0, 0, 0, 0}}, isFrame: true},
		{name: "zero length", line: "t1010", wantFrame: Frame{ID: 0x101, Data: []byte{}}, isFrame: true},
		{name: "transmit ack", line: "z"},
		{name: "empty ack", line: ""},
		{name: "extended frame", line: "T0000018322FF03"},
		{name: "remote frame", line: "r1832"},
		{name: "short", line: "t18", wantErr: true},
		{name: "bad dlc", line: "t183912", wantErr: true},
		{name: "truncated data", line: "t1832FF", wantErr: true},
		{name: "bad hex", line: "t1831ZZ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, isFrame, err := decodeSLCAN([]byte(tt.line))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isFrame, isFrame)
			if tt.isFrame {
				assert.Equal(t, tt.wantFrame, f)
			}
		})
	}
}

func TestSLCANReceiveAcrossChunks(t *testing.T) {
	port := &fakePort{}
	s := newSLCAN(port)

	port.feed("z\rt18")
	port.feed("32FF03\rt2832")
	port.feed("0101\r")

	f, ok, err := s.Receive(50 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x183), f.ID)
	assert.Equal(t, []byte{0xFF, 0x03}, f.Data)

	f, ok, err = s.Receive(50 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x283), f.ID)

	_, ok, err = s.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSLCANSetupAndSend(t *testing.T) {
	port := &fakePort{}
	s := newSLCAN(port)

	require.NoError(t, s.setup(slcanBitrates[1000000]))
	require.NoError(t, s.Send(context.Background(), NewFrame(0x302, 1, 0)))
	assert.Equal(t, "C\rS8\rO\rt30220100\r", port.written.String())

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	assert.ErrorIs(t, s.Send(context.Background(), NewFrame(0x302)), ErrClosed)
}
