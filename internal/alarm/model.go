package alarm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the server-side change that produced an AlarmNotification.
type Operation string

const (
	OperationCreate Operation = "0"
	OperationUpdate Operation = "1"
	OperationDelete Operation = "2"
)

// IDTuple identifies a list element as [listId, elementId].
type IDTuple struct {
	ListID    string
	ElementID string
}

func (t IDTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{t.ListID, t.ElementID})
}

func (t *IDTuple) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("id tuple: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("id tuple: expected 2 elements, got %d", len(parts))
	}
	t.ListID, t.ElementID = parts[0], parts[1]
	return nil
}

func (t IDTuple) String() string {
	return t.ListID + "/" + t.ElementID
}

// AlarmInfo carries the alarm identifier and its encrypted trigger.
type AlarmInfo struct {
	AlarmIdentifier string `json:"alarmIdentifier"`
	Trigger         string `json:"trigger"`
}

// RepeatRule is the encrypted recurrence of an event. Every field is an
// encrypted base64 string; EndValue may be empty.
type RepeatRule struct {
	Frequency string `json:"frequency"`
	Interval  string `json:"interval"`
	EndType   string `json:"endType"`
	EndValue  string `json:"endValue,omitempty"`
	TimeZone  string `json:"timeZone"`
}

// NotificationSessionKey is the alarm's session key encrypted for one push
// identifier.
type NotificationSessionKey struct {
	PushIdentifier                     IDTuple `json:"pushIdentifier"`
	PushIdentifierSessionEncSessionKey string  `json:"pushIdentifierSessionEncSessionKey"`
}

// AlarmNotification is one encrypted alarm change as sent by the server.
type AlarmNotification struct {
	Operation               Operation                `json:"operation"`
	Summary                 string                   `json:"summary"`
	EventStart              string                   `json:"eventStart"`
	EventEnd                string                   `json:"eventEnd"`
	AlarmInfo               AlarmInfo                `json:"alarmInfo"`
	NotificationSessionKeys []NotificationSessionKey `json:"notificationSessionKeys"`
	RepeatRule              *RepeatRule              `json:"repeatRule"`
	User                    string                   `json:"user"`
}

// Identifier returns the alarm identifier.
func (n *AlarmNotification) Identifier() string {
	return n.AlarmInfo.AlarmIdentifier
}

// NotificationInfo announces new mail for a user.
type NotificationInfo struct {
	MailAddress string `json:"mailAddress"`
	UserID      string `json:"userId"`
}

// MissedNotification is the payload returned by the missed-notification
// endpoint and pushed over the event stream.
type MissedNotification struct {
	ConfirmationID              string              `json:"confirmationId"`
	ChangeTime                  string              `json:"changeTime,omitempty"`
	LastProcessedNotificationID string              `json:"lastProcessedNotificationId"`
	AlarmNotifications          []AlarmNotification `json:"alarmNotifications"`
	NotificationInfos           []NotificationInfo  `json:"notificationInfos"`
}

// SSEInfo describes where and as whom to listen for notifications.
type SSEInfo struct {
	PushIdentifier string   `json:"pushIdentifier"`
	SSEOrigin      string   `json:"sseOrigin"`
	UserIDs        []string `json:"userIds"`
}

// HasUser reports whether userID is registered.
func (s *SSEInfo) HasUser(userID string) bool {
	for _, u := range s.UserIDs {
		if u == userID {
			return true
		}
	}
	return false
}

// PushIdentifier is a local registration of a push identifier for a user.
type PushIdentifier struct {
	Identifier string `json:"identifier"`
	ElementID  string `json:"element_id"`
	UserID     string `json:"user_id"`
	Origin     string `json:"origin"`
	SessionKey []byte `json:"session_key"`
}

// ScheduledAlarm is a decrypted view of a stored alarm for listings.
type ScheduledAlarm struct {
	Identifier string     `json:"identifier"`
	User       string     `json:"user"`
	Summary    string     `json:"summary,omitempty"`
	Trigger    string     `json:"trigger,omitempty"`
	EventStart time.Time  `json:"event_start,omitzero"`
	AllDay     bool       `json:"all_day,omitempty"`
	Repeating  bool       `json:"repeating"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	Scheduled  int        `json:"scheduled"`
	Error      string     `json:"error,omitempty"`
}
