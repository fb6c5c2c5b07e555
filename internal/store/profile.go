package store

import (
	"errors"
	"time"
)

// Settings keys for the channel profile and the outbound binding. The
// profile is a mutable singleton; the binding records which destination
// channel its credential belongs to so stale bindings are detectable.
const (
	settingProfileName      = "profile_name"
	settingProfileMission   = "profile_mission"
	settingProfileUpdatedAt = "profile_updated_at"

	settingBindingChannelID = "binding_channel_id"
	settingBindingRef       = "binding_ref"
	settingBindingCreatedAt = "binding_created_at"

	// External channel metadata refreshed from the adapter at startup.
	SettingExternalChannelName  = "external_channel_name"
	SettingExternalChannelTopic = "external_channel_topic"
)

// ProfileGet returns the channel profile, falling back to the given
// defaults when nothing has been written yet.
func (s *Store) ProfileGet(defaultName, defaultMission string) (*ChannelProfile, error) {
	p := &ChannelProfile{Name: defaultName, Mission: defaultMission}

	name, err := s.SettingGet(settingProfileName)
	if err == nil {
		p.Name = name
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mission, err := s.SettingGet(settingProfileMission)
	if err == nil {
		p.Mission = mission
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	raw, err := s.SettingGet(settingProfileUpdatedAt)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			p.UpdatedAt = &t
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return p, nil
}

// ProfileSet writes the channel profile singleton.
func (s *Store) ProfileSet(name, mission string) (*ChannelProfile, error) {
	now := time.Now().UTC()
	if err := s.SettingSet(settingProfileName, name); err != nil {
		return nil, err
	}
	if err := s.SettingSet(settingProfileMission, mission); err != nil {
		return nil, err
	}
	if err := s.SettingSet(settingProfileUpdatedAt, now.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return &ChannelProfile{Name: name, Mission: mission, UpdatedAt: &now}, nil
}

// BindingGet returns the stored outbound binding, ErrNotFound when none.
func (s *Store) BindingGet() (*OutboundBinding, error) {
	channelID, err := s.SettingGet(settingBindingChannelID)
	if err != nil {
		return nil, err
	}
	ref, err := s.SettingGet(settingBindingRef)
	if err != nil {
		return nil, err
	}
	b := &OutboundBinding{ChannelID: channelID, Ref: ref}
	if raw, err := s.SettingGet(settingBindingCreatedAt); err == nil {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			b.CreatedAt = t
		}
	}
	return b, nil
}

// BindingSet records the outbound binding for the destination channel.
func (s *Store) BindingSet(channelID, ref string) error {
	if err := s.SettingSet(settingBindingChannelID, channelID); err != nil {
		return err
	}
	if err := s.SettingSet(settingBindingRef, ref); err != nil {
		return err
	}
	return s.SettingSet(settingBindingCreatedAt, time.Now().UTC().Format(time.RFC3339))
}

// BindingClear drops a stale binding.
func (s *Store) BindingClear() error {
	for _, key := range []string{settingBindingChannelID, settingBindingRef, settingBindingCreatedAt} {
		if err := s.SettingDelete(key); err != nil {
			return err
		}
	}
	return nil
}
