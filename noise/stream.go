package noise

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cellswarm/crypto"
)

// maxMessageSize is the largest handshake frame accepted.
const maxMessageSize = 65535

// ErrMessageTooLarge is returned for frames above maxMessageSize.
var ErrMessageTooLarge = errors.New("handshake message too large")

// Result is the outcome of a completed handshake on a stream.
type Result struct {
	LocalStatic  []byte
	RemoteStatic []byte
	Send         *noise.CipherState
	Recv         *noise.CipherState
}

// Handshake runs an XX handshake over conn using two-byte length-prefixed
// frames. The context deadline bounds the whole exchange and cancelling ctx
// aborts pending I/O.
func Handshake(ctx context.Context, conn net.Conn, kp *crypto.KeyPair, role HandshakeRole) (*Result, error) {
	xx, err := NewXXHandshake(kp, role)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}()

	// -> e ; <- e, ee, s, es ; -> s, se
	steps := []bool{true, false, true}
	if role == Responder {
		steps = []bool{false, true, false}
	}

	for _, write := range steps {
		if write {
			msg, _, err := xx.WriteMessage(nil)
			if err != nil {
				return nil, err
			}
			if err := writeFrame(conn, msg); err != nil {
				return nil, wrapCtx(ctx, err)
			}
			continue
		}

		msg, err := readFrame(conn)
		if err != nil {
			return nil, wrapCtx(ctx, err)
		}
		if _, _, err := xx.ReadMessage(msg); err != nil {
			return nil, err
		}
	}

	if !xx.IsComplete() {
		return nil, ErrHandshakeNotComplete
	}

	remote, err := xx.GetRemoteStaticKey()
	if err != nil {
		return nil, err
	}
	send, recv, err := xx.GetCipherStates()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Handshake",
		"remote":   conn.RemoteAddr().String(),
		"peer_key": fmt.Sprintf("%x", remote[:8]),
	}).Debug("Noise handshake complete")

	return &Result{
		LocalStatic:  xx.GetLocalStaticKey(),
		RemoteStatic: remote,
		Send:         send,
		Recv:         recv,
	}, nil
}

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return ErrMessageTooLarge
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
