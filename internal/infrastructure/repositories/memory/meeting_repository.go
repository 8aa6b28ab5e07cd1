package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

// MemoryMeetingRepository keeps meetings, participants and users in maps.
// It backs local development and tests; the CRUD backend is not involved.
type MemoryMeetingRepository struct {
	meetings     map[domain.RoomID]*domain.Meeting
	participants map[domain.RoomID]map[domain.UserID]*domain.Participant
	users        map[domain.UserID]string
	mu           sync.RWMutex
}

func NewMemoryMeetingRepository() *MemoryMeetingRepository {
	return &MemoryMeetingRepository{
		meetings:     make(map[domain.RoomID]*domain.Meeting),
		participants: make(map[domain.RoomID]map[domain.UserID]*domain.Participant),
		users:        make(map[domain.UserID]string),
	}
}

var _ ports.MeetingRepository = (*MemoryMeetingRepository)(nil)

func (r *MemoryMeetingRepository) AddUser(id domain.UserID, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = username
}

func (r *MemoryMeetingRepository) AddMeeting(meeting domain.Meeting) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := meeting
	r.meetings[m.ID] = &m
	if _, ok := r.participants[m.ID]; !ok {
		r.participants[m.ID] = make(map[domain.UserID]*domain.Participant)
	}
}

// AddParticipant records or replaces the membership of p.User in its
// meeting. A user holds at most one participant record per meeting.
func (r *MemoryMeetingRepository) AddParticipant(p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.participants[p.MeetingID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMeetingNotFound, p.MeetingID)
	}
	if p.User.Username == "" {
		p.User.Username = r.users[p.User.ID]
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	members[p.User.ID] = &p
	return nil
}

// SetMeetingActive flips the meeting's active flag. Ending a meeting
// deactivates its participants as well.
func (r *MemoryMeetingRepository) SetMeetingActive(id domain.RoomID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meeting, ok := r.meetings[id]
	if !ok {
		return domain.ErrMeetingNotFound
	}
	meeting.Active = active
	if !active {
		for _, p := range r.participants[id] {
			p.Active = false
		}
	}
	return nil
}

func (r *MemoryMeetingRepository) CheckAccess(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meeting, ok := r.meetings[roomID]
	if !ok || !meeting.Active {
		return false, nil
	}
	if meeting.HostID == identity.ID {
		return true, nil
	}

	p, ok := r.participants[roomID][identity.ID]
	return ok && p.Active, nil
}

func (r *MemoryMeetingRepository) SnapshotActiveMembers(ctx context.Context, roomID domain.RoomID, exclude domain.UserID) ([]domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*domain.Participant, 0, len(r.participants[roomID]))
	for id, p := range r.participants[roomID] {
		if id == exclude || !p.Active {
			continue
		}
		active = append(active, p)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].JoinedAt.Equal(active[j].JoinedAt) {
			return active[i].User.ID < active[j].User.ID
		}
		return active[i].JoinedAt.Before(active[j].JoinedAt)
	})

	members := make([]domain.Identity, 0, len(active))
	for _, p := range active {
		identity := p.User
		if name, ok := r.users[identity.ID]; ok {
			identity.Username = name
		}
		members = append(members, identity)
	}
	return members, nil
}

func (r *MemoryMeetingRepository) LookupUsername(ctx context.Context, userID domain.UserID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.users[userID]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	return name, nil
}

type fixtureFile struct {
	Users []struct {
		ID       int64  `yaml:"id"`
		Username string `yaml:"username"`
	} `yaml:"users"`
	Meetings []struct {
		ID              string `yaml:"id"`
		Title           string `yaml:"title"`
		HostID          int64  `yaml:"host_id"`
		Active          *bool  `yaml:"active"`
		MaxParticipants int    `yaml:"max_participants"`
		Participants    []struct {
			UserID   int64  `yaml:"user_id"`
			Role     string `yaml:"role"`
			Active   *bool  `yaml:"active"`
			JoinedAt string `yaml:"joined_at"`
		} `yaml:"participants"`
	} `yaml:"meetings"`
}

// LoadFixtures seeds the repository from a YAML file. Active flags default
// to true when omitted.
func (r *MemoryMeetingRepository) LoadFixtures(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read fixtures: %w", err)
	}
	return r.LoadFixturesYAML(data)
}

func (r *MemoryMeetingRepository) LoadFixturesYAML(data []byte) error {
	var fixtures fixtureFile
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("failed to parse fixtures: %w", err)
	}

	for _, u := range fixtures.Users {
		if err := validation.ValidateUsername(u.Username); err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
		r.AddUser(domain.UserID(u.ID), u.Username)
	}

	for _, m := range fixtures.Meetings {
		if err := validation.ValidateMeetingID(m.ID); err != nil {
			return err
		}
		var err error
		roomID := domain.RoomID(m.ID)
		r.AddMeeting(domain.Meeting{
			ID:              roomID,
			Title:           m.Title,
			HostID:          domain.UserID(m.HostID),
			Active:          boolOr(m.Active, true),
			MaxParticipants: m.MaxParticipants,
			CreatedAt:       time.Now(),
		})

		for i, p := range m.Participants {
			role := domain.UserRole(p.Role)
			if role == "" {
				role = domain.RoleParticipant
			}
			// file order stands in for join order when timestamps are omitted
			joinedAt := time.Unix(0, 0).Add(time.Duration(i) * time.Second)
			if p.JoinedAt != "" {
				if joinedAt, err = time.Parse(time.RFC3339, p.JoinedAt); err != nil {
					return fmt.Errorf("participant %d of %s: invalid joined_at: %w", p.UserID, m.ID, err)
				}
			}
			if err = r.AddParticipant(domain.Participant{
				MeetingID: roomID,
				User:      domain.Identity{ID: domain.UserID(p.UserID)},
				Role:      role,
				Active:    boolOr(p.Active, true),
				JoinedAt:  joinedAt,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
