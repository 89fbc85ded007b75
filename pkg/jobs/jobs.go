// Package jobs declares the application's background workflows as data:
// trigger plus steps, built from the engine's step primitives. All domain
// side effects go through the collaborators in Config; no step reaches for
// a global service.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/pingup/flowline/pkg/api"
	"github.com/pingup/flowline/pkg/social"
)

// Event names the engine reacts to. Emitted by the auth-provider webhook
// handler and the application controllers.
const (
	EventUserCreated         = "user.created"
	EventUserUpdated         = "user.updated"
	EventUserDeleted         = "user.deleted"
	EventConnectionRequested = "connection.requested"
	EventStoryDelete         = "story.delete"
)

// reminderDelay is how long after the initial mail the reminder goes out,
// and doubles as the story retention window.
const reminderDelay = 24 * time.Hour

// Config carries the collaborators the jobs need.
type Config struct {
	Store  social.Store
	Mailer social.Mailer

	// FrontURL is the base URL of the web client, used in email links.
	FrontURL string
}

// All returns the six workflow definitions.
func All(cfg Config) []api.WorkflowDefinition {
	return []api.WorkflowDefinition{
		UserCreatedSync(cfg),
		UserUpdatedSync(cfg),
		UserDeletedSync(cfg),
		ConnectionReminder(cfg),
		StoryCleanup(cfg),
		UnseenMessageDigest(cfg),
	}
}

// Register registers all definitions with the engine. Any error is fatal
// at startup.
func Register(eng api.Engine, cfg Config) error {
	for _, def := range All(cfg) {
		if err := eng.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func fullName(data map[string]any) string {
	return strings.TrimSpace(stringField(data, "first_name") + " " + stringField(data, "last_name"))
}

// UserCreatedSync mirrors a new auth-provider account into the user
// collection. The username candidate is the email local-part; on
// collision a random numeric suffix is appended until the name is free.
func UserCreatedSync(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "sync-user-creation",
		Trigger: api.EventTrigger{Event: EventUserCreated},
		Steps: []api.StepSpec{
			api.RunStep{
				Name: "create-user",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					data := sc.Event.Data
					id := stringField(data, "id")
					email := stringField(data, "email")

					// Duplicate delivery: the record may already exist.
					if existing, err := cfg.Store.GetUser(ctx, id); err == nil {
						return existing.Username, nil
					} else if !errors.Is(err, social.ErrNotFound) {
						return nil, err
					}

					base, _, _ := strings.Cut(email, "@")
					username := base
					for {
						_, err := cfg.Store.GetUserByUsername(ctx, username)
						if errors.Is(err, social.ErrNotFound) {
							break
						}
						if err != nil {
							return nil, err
						}
						username = base + strconv.Itoa(rand.Intn(1000))
					}

					user := &social.User{
						ID:             id,
						Email:          email,
						FullName:       fullName(data),
						Username:       username,
						ProfilePicture: stringField(data, "image_url"),
					}
					if err := cfg.Store.CreateUser(ctx, user); err != nil {
						return nil, err
					}
					return username, nil
				},
			},
		},
	}
}

// UserUpdatedSync propagates mutable profile fields by external id.
func UserUpdatedSync(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "sync-user-update",
		Trigger: api.EventTrigger{Event: EventUserUpdated},
		Steps: []api.StepSpec{
			api.RunStep{
				Name: "update-user",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					data := sc.Event.Data
					id := stringField(data, "id")

					user, err := cfg.Store.GetUser(ctx, id)
					if err != nil {
						if errors.Is(err, social.ErrNotFound) {
							return nil, fmt.Errorf("user %s: %w", id, api.ErrMissingReference)
						}
						return nil, err
					}

					user.Email = stringField(data, "email")
					user.FullName = fullName(data)
					user.ProfilePicture = stringField(data, "image_url")
					if err := cfg.Store.UpdateUser(ctx, user); err != nil {
						return nil, err
					}
					return user.ID, nil
				},
			},
		},
	}
}

// UserDeletedSync removes the user record by external id.
func UserDeletedSync(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "sync-user-deletion",
		Trigger: api.EventTrigger{Event: EventUserDeleted},
		Steps: []api.StepSpec{
			api.RunStep{
				Name: "delete-user",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					id := stringField(sc.Event.Data, "id")
					if err := cfg.Store.DeleteUser(ctx, id); err != nil {
						if errors.Is(err, social.ErrNotFound) {
							return nil, fmt.Errorf("user %s: %w", id, api.ErrMissingReference)
						}
						return nil, err
					}
					return id, nil
				},
			},
		},
	}
}

// ConnectionReminder mails the recipient of a connection request
// immediately, then again 24 hours later if the request is still pending.
func ConnectionReminder(cfg Config) api.WorkflowDefinition {
	// loadParties dereferences the connection and both user records.
	loadParties := func(ctx context.Context, connectionID string) (*social.Connection, *social.User, *social.User, error) {
		conn, err := cfg.Store.GetConnection(ctx, connectionID)
		if err != nil {
			if errors.Is(err, social.ErrNotFound) {
				return nil, nil, nil, fmt.Errorf("connection %s: %w", connectionID, api.ErrMissingReference)
			}
			return nil, nil, nil, err
		}

		from, err := cfg.Store.GetUser(ctx, conn.FromUserID)
		if err != nil {
			if errors.Is(err, social.ErrNotFound) {
				return nil, nil, nil, fmt.Errorf("user %s: %w", conn.FromUserID, api.ErrMissingReference)
			}
			return nil, nil, nil, err
		}

		to, err := cfg.Store.GetUser(ctx, conn.ToUserID)
		if err != nil {
			if errors.Is(err, social.ErrNotFound) {
				return nil, nil, nil, fmt.Errorf("user %s: %w", conn.ToUserID, api.ErrMissingReference)
			}
			return nil, nil, nil, err
		}

		return conn, from, to, nil
	}

	return api.WorkflowDefinition{
		ID:      "connection-request-reminder",
		Trigger: api.EventTrigger{Event: EventConnectionRequested},
		Steps: []api.StepSpec{
			api.RunStep{
				Name: "send-initial-mail",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					connectionID := stringField(sc.Event.Data, "connection_id")
					_, from, to, err := loadParties(ctx, connectionID)
					if err != nil {
						return nil, err
					}

					err = cfg.Mailer.Send(ctx, social.Mail{
						To:      to.Email,
						Subject: subjectConnectionRequest,
						Body:    bodyConnectionRequest(to.FullName, from.FullName, from.Username, cfg.FrontURL),
					})
					if err != nil {
						return nil, err
					}
					return to.Email, nil
				},
			},
			api.SleepUntilStep{
				Name: "wait-24-hours",
				Until: func(sc *api.StepContext) time.Time {
					return sc.Now().Add(reminderDelay)
				},
			},
			api.RunStep{
				Name: "send-reminder-mail",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					connectionID := stringField(sc.Event.Data, "connection_id")
					conn, from, to, err := loadParties(ctx, connectionID)
					if err != nil {
						return nil, err
					}

					// The request was answered in the meantime; nothing to
					// remind about.
					if conn.Status != social.ConnectionPending {
						return "skipped", nil
					}

					err = cfg.Mailer.Send(ctx, social.Mail{
						To:      to.Email,
						Subject: subjectConnectionReminder,
						Body:    bodyConnectionReminder(to.FullName, from.FullName, cfg.FrontURL),
					})
					if err != nil {
						return nil, err
					}
					return to.Email, nil
				},
			},
		},
	}
}

// StoryCleanup deletes a story 24 hours after its deletion is scheduled.
func StoryCleanup(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:      "story-delete",
		Trigger: api.EventTrigger{Event: EventStoryDelete},
		Steps: []api.StepSpec{
			api.SleepUntilStep{
				Name: "delete-after-24h",
				Until: func(sc *api.StepContext) time.Time {
					return sc.Now().Add(reminderDelay)
				},
			},
			api.RunStep{
				Name: "delete-story",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					storyID := stringField(sc.Event.Data, "story_id")
					if err := cfg.Store.DeleteStory(ctx, storyID); err != nil {
						if errors.Is(err, social.ErrNotFound) {
							return nil, fmt.Errorf("story %s: %w", storyID, api.ErrMissingReference)
						}
						return nil, err
					}
					return storyID, nil
				},
			},
		},
	}
}

// UnseenMessageDigest runs every morning at 09:00 New York time, counts
// unseen messages per recipient, and sends one digest email to each
// recipient with a non-zero count.
func UnseenMessageDigest(cfg Config) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID: "send-unseen-messages-digest",
		Trigger: api.CronTrigger{
			Expression: "0 9 * * *",
			Timezone:   "America/New_York",
		},
		Steps: []api.StepSpec{
			api.RunStep{
				Name: "send-digests",
				Action: func(ctx context.Context, sc *api.StepContext) (any, error) {
					messages, err := cfg.Store.ListUnseenMessages(ctx)
					if err != nil {
						return nil, err
					}

					counts := make(map[string]int)
					for _, msg := range messages {
						if msg.ToUserID == "" {
							continue
						}
						counts[msg.ToUserID]++
					}

					sent := 0
					for userID, count := range counts {
						user, err := cfg.Store.GetUser(ctx, userID)
						if errors.Is(err, social.ErrNotFound) {
							continue
						}
						if err != nil {
							return nil, err
						}

						err = cfg.Mailer.Send(ctx, social.Mail{
							To:      user.Email,
							Subject: subjectUnseenDigest(count),
							Body:    bodyUnseenDigest(user.FullName, count, cfg.FrontURL),
						})
						if err != nil {
							return nil, err
						}
						sent++
					}
					return sent, nil
				},
			},
		},
	}
}
