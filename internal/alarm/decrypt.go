package alarm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/keychain"
)

var ErrNoSessionKey = errors.New("no usable session key")

// Alarm is a decrypted AlarmNotification.
type Alarm struct {
	Identifier string
	User       string
	Summary    string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Trigger    Trigger
	Repeat     *Repeat
}

// Decrypt resolves the session key of n through keys and decrypts every
// field. Session keys are tried in order; the first one whose push identifier
// key is present and which decrypts the trigger is used for the rest.
func Decrypt(keys keychain.Store, n *AlarmNotification) (*Alarm, error) {
	sessionKey, trigger, err := resolveSessionKey(keys, n)
	if err != nil {
		return nil, err
	}

	a := &Alarm{
		Identifier: n.AlarmInfo.AlarmIdentifier,
		User:       n.User,
	}
	if a.Trigger, err = ParseTrigger(trigger); err != nil {
		return nil, err
	}
	if a.Summary, err = aes128.DecryptString(sessionKey, n.Summary); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	if a.Start, err = decryptMillis(sessionKey, n.EventStart); err != nil {
		return nil, fmt.Errorf("event start: %w", err)
	}
	if a.End, err = decryptMillis(sessionKey, n.EventEnd); err != nil {
		return nil, fmt.Errorf("event end: %w", err)
	}
	a.AllDay = IsAllDay(a.Start, a.End)

	if n.RepeatRule != nil {
		if a.Repeat, err = decryptRepeat(sessionKey, n.RepeatRule); err != nil {
			return nil, fmt.Errorf("repeat rule: %w", err)
		}
	}
	return a, nil
}

func resolveSessionKey(keys keychain.Store, n *AlarmNotification) ([]byte, string, error) {
	var errs []error
	for _, nsk := range n.NotificationSessionKeys {
		pushKey, err := keys.GetKey(nsk.PushIdentifier.ElementID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		encKey, err := base64.StdEncoding.DecodeString(nsk.PushIdentifierSessionEncSessionKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("session key for %s: %w", nsk.PushIdentifier.ElementID, err))
			continue
		}
		sessionKey, err := aes128.DecryptKey(pushKey, encKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("session key for %s: %w", nsk.PushIdentifier.ElementID, err))
			continue
		}
		trigger, err := aes128.DecryptString(sessionKey, n.AlarmInfo.Trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger with key for %s: %w", nsk.PushIdentifier.ElementID, err))
			continue
		}
		return sessionKey, trigger, nil
	}
	if len(errs) == 0 {
		return nil, "", ErrNoSessionKey
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoSessionKey, errors.Join(errs...))
}

func decryptRepeat(key []byte, r *RepeatRule) (*Repeat, error) {
	freq, err := decryptInt(key, r.Frequency)
	if err != nil {
		return nil, fmt.Errorf("frequency: %w", err)
	}
	if freq < int64(Daily) || freq > int64(Annually) {
		return nil, fmt.Errorf("unknown frequency %d", freq)
	}
	interval, err := decryptInt(key, r.Interval)
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	endType, err := decryptInt(key, r.EndType)
	if err != nil {
		return nil, fmt.Errorf("end type: %w", err)
	}
	if endType < int64(EndNever) || endType > int64(EndUntil) {
		return nil, fmt.Errorf("unknown end type %d", endType)
	}
	var endValue int64
	if r.EndValue != "" {
		if endValue, err = decryptInt(key, r.EndValue); err != nil {
			return nil, fmt.Errorf("end value: %w", err)
		}
	}
	tz, err := aes128.DecryptString(key, r.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone: %w", err)
	}
	return &Repeat{
		Frequency: Frequency(freq),
		Interval:  int(interval),
		EndType:   EndType(endType),
		EndValue:  endValue,
		TimeZone:  tz,
	}, nil
}

func decryptInt(key []byte, encoded string) (int64, error) {
	s, err := aes128.DecryptString(key, encoded)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func decryptMillis(key []byte, encoded string) (time.Time, error) {
	ms, err := decryptInt(key, encoded)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
