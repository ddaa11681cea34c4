package ssh

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/registry"
	"sshcast/internal/session"
)

// SessionChannelType is the only channel type sshcast accepts.
const SessionChannelType = "session"

// readBufferSize matches the largest data packet x/crypto/ssh delivers in
// one Read.
const readBufferSize = 32 * 1024

// readBufferPool holds reusable channel read buffers.
var readBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, readBufferSize)
		return &buf
	},
}

// handleChannels processes incoming channels of one connection until the
// connection ends, then waits for every channel reader to finish.
//
// Channel ids are assigned in accept order starting at 0, so they are
// unique within the connection.
func (s *Server) handleChannels(h *session.Handler, chans <-chan ssh.NewChannel) {
	log := h.Logger()
	var wg sync.WaitGroup
	defer wg.Wait()

	var next registry.ChannelID
	for newChannel := range chans {
		// Step 1: Validate channel type
		if newChannel.ChannelType() != SessionChannelType {
			log.WithField("type", newChannel.ChannelType()).Info("rejecting unsupported channel type")
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		// Step 2: Accept the channel. pty, shell, exec and every other
		// channel request are answered with failure.
		ch, reqs, err := newChannel.Accept()
		if err != nil {
			log.WithError(err).Warn("error accepting channel")
			continue
		}

		// Step 3: Hand ownership to the registry
		id := next
		next++
		if ok, err := h.OpenSession(id, ch); !ok {
			log.WithError(err).WithField("channel", uint32(id)).Warn("session channel refused")
			ch.Close()
			go ssh.DiscardRequests(reqs)
			continue
		}

		// Step 4: Read in one goroutine, watch for the channel closing in
		// another. The request stream ends only when the channel is closed,
		// while a read EOF just means the peer has nothing more to send.
		wg.Add(2)
		go func() {
			defer wg.Done()
			readChannel(h, id, ch)
		}()
		go func() {
			defer wg.Done()
			ssh.DiscardRequests(reqs)
			h.CloseChannel(id)
		}()
	}
}

// readChannel feeds everything the peer sends on ch into the handler's
// broadcast. It returns on EOF, leaving the channel registered so it keeps
// receiving broadcasts until it is closed.
func readChannel(h *session.Handler, id registry.ChannelID, ch ssh.Channel) {
	buf := readBufferPool.Get().(*[]byte)
	defer readBufferPool.Put(buf)

	for {
		n, err := ch.Read(*buf)
		if n > 0 {
			h.OnData(id, (*buf)[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.Logger().WithFields(logrus.Fields{"channel": uint32(id), "error": err}).Info("channel read failed")
			}
			return
		}
	}
}
