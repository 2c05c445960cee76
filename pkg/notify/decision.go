// Package notify decides whether and how to alert the user about activity
// in a chat, and delivers web push to subscribed browsers.
package notify

import (
	"time"
)

// DefaultStaleTimeout is how old a session heartbeat may be before the
// session no longer counts as active.
const DefaultStaleTimeout = 90 * time.Second

// ClientSession is the notification engine's view of one connected client.
type ClientSession struct {
	ID            string
	CurrentChatID string
	LastHeartbeat time.Time
}

// Decision is the outcome of ShouldNotify.
type Decision struct {
	Notify bool
	Toast  bool
	Push   bool
	Email  bool
	Sound  bool
	Reason string
}

// ShouldNotify applies the notification policy for new activity in chatID.
// A zero staleTimeout means the 90 s default.
func ShouldNotify(chatID string, silent bool, sessions []ClientSession, critical bool, staleTimeout time.Duration, now time.Time) Decision {
	if staleTimeout == 0 {
		staleTimeout = DefaultStaleTimeout
	}

	if silent && !critical {
		return Decision{Reason: "silent"}
	}

	anyActive := false
	viewing := false
	for _, session := range sessions {
		if now.Sub(session.LastHeartbeat) > staleTimeout {
			continue
		}
		anyActive = true
		if session.CurrentChatID == chatID {
			viewing = true
		}
	}

	if viewing && !critical {
		return Decision{Reason: "user is viewing the chat"}
	}

	if critical {
		return Decision{
			Notify: true,
			Toast:  anyActive,
			Push:   true,
			Email:  true,
			Sound:  true,
			Reason: "critical",
		}
	}

	if anyActive {
		// A connected browser does not mean the human is present, so push
		// goes out alongside the toast.
		return Decision{
			Notify: true,
			Toast:  true,
			Push:   true,
			Sound:  true,
			Reason: "active session not viewing this chat",
		}
	}

	return Decision{
		Notify: true,
		Push:   true,
		Reason: "no active sessions",
	}
}
