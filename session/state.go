package session

import (
	"github.com/simplifaq/session-agent/users"
)

// ActionKind enumerates the auth state transitions.
type ActionKind string

const (
	ActionAuthStart   ActionKind = "auth_start"
	ActionAuthSuccess ActionKind = "auth_success"
	ActionAuthError   ActionKind = "auth_error"
	ActionAuthLogout  ActionKind = "auth_logout"
	ActionClearError  ActionKind = "clear_error"
	ActionUpdateUser  ActionKind = "update_user"
)

// Action is a single state transition request. Only the fields relevant to
// the kind are read.
type Action struct {
	Kind    ActionKind
	User    *users.Profile
	Token   string
	Message string
}

// State is the auth state container. CleanupInProgress is the re-entrancy
// guard for corruption handling; it lives here, next to the auth state,
// rather than as a free-standing flag, and Reduce carries it through
// unchanged.
type State struct {
	User              *users.Profile
	Token             string
	IsLoading         bool
	IsAuthenticated   bool
	Error             string
	CleanupInProgress bool
}

// Reduce applies an action to a state and returns the next state. Pure: no
// I/O, no side effects; all I/O happens in the Manager before dispatch.
// Unknown actions leave the state unchanged.
func Reduce(state State, action Action) State {
	next := state
	switch action.Kind {
	case ActionAuthStart:
		next.IsLoading = true
		next.Error = ""
	case ActionAuthSuccess:
		next.User = action.User
		next.Token = action.Token
		next.IsLoading = false
		next.IsAuthenticated = true
		next.Error = ""
	case ActionAuthError:
		next.User = nil
		next.Token = ""
		next.IsLoading = false
		next.IsAuthenticated = false
		next.Error = action.Message
	case ActionAuthLogout:
		next = State{CleanupInProgress: state.CleanupInProgress}
	case ActionClearError:
		next.Error = ""
	case ActionUpdateUser:
		if next.IsAuthenticated {
			next.User = action.User
		}
	}
	return next
}
