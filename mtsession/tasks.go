package mtsession

import (
	"context"
	"time"

	"github.com/amarnathcjd/mtsession/proto"
)

// runPingTask implements spec.md §4.6: a fire-and-forget keepalive
// emitted every pingInterval, whether or not other traffic is flowing.
func (s *Session) runPingTask(ctx context.Context) {
	defer close(s.pingDone)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.sendFireAndForget(&proto.PingDelayDisconnect{
				PingID:          0,
				DisconnectDelay: int32(waitTimeout.Seconds()) + 10,
			})
			if err != nil {
				s.log.Debug("ping task: send failed:", err)
			}
		}
	}
}

// runSaltTask implements spec.md §4.7: rotates current_salt shortly
// before it expires; any failure closes the transport, which drives
// the receive task's EOF-triggered restart.
func (s *Session) runSaltTask(ctx context.Context) {
	defer close(s.saltDone)
	for {
		dt := s.saltWaitDuration()
		timer := time.NewTimer(dt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result, err := s.sendAndWait(&proto.GetFutureSalts{Num: 1}, waitTimeout)
		if err != nil {
			s.log.Warn("salt task: rotation failed, closing transport:", err)
			if s.tr != nil {
				_ = s.tr.Close()
			}
			return
		}
		if fs, ok := result.(*proto.FutureSalts); ok && len(fs.Salts) > 0 {
			s.saltMu.Lock()
			s.currentSalt = salt{Salt: fs.Salts[0].Salt, ValidUntil: int64(fs.Salts[0].ValidUntil)}
			s.saltMu.Unlock()
		}
	}
}

func (s *Session) saltWaitDuration() time.Duration {
	s.saltMu.Lock()
	validUntil := s.currentSalt.ValidUntil
	s.saltMu.Unlock()

	dt := time.Duration(validUntil-time.Now().Unix()-saltRotationMargin) * time.Second
	if dt < 0 {
		dt = 0
	}
	return dt
}

// runReceive implements spec.md §4.8: reads one framed packet at a
// time and either enqueues it or tears down on EOF/protocol error.
func (s *Session) runReceive() {
	defer s.tasks.Done()
	for {
		packet, err := s.tr.Recv()
		if err != nil {
			s.log.Debug("receive task: transport error:", err)
			s.triggerDisconnectRestart()
			return
		}
		if packet == nil {
			s.triggerDisconnectRestart()
			return
		}
		if len(packet) == 4 {
			code := int32(packet[0]) | int32(packet[1])<<8 | int32(packet[2])<<16 | int32(packet[3])<<24
			s.log.Warn("receive task: protocol error code", code)
			s.triggerDisconnectRestart()
			return
		}

		select {
		case s.inbound <- packet:
		default:
			// inbound queue full: drop, the sender will see a Timeout
			// and retry rather than block the receive loop.
			s.log.Warn("inbound queue full, dropping packet")
		}
	}
}

func (s *Session) triggerDisconnectRestart() {
	if !s.isConnected() {
		return
	}
	go func() {
		if err := s.Restart(context.Background()); err != nil {
			s.log.Error("restart failed:", err)
		}
	}()
}
