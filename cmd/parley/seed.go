package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// seedFile is the fixture format accepted by serve --seed.
type seedFile struct {
	Users []struct {
		ID          string `yaml:"id"`
		Username    string `yaml:"username"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"users"`
	Conversations []struct {
		ID           string   `yaml:"id"`
		Participants []string `yaml:"participants"`
	} `yaml:"conversations"`
	Friendships [][]string `yaml:"friendships"`
}

// loadSeed fills a memory store from a fixture file.
func loadSeed(store *storage.MemoryStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	users := map[string]bool{}
	for _, u := range seed.Users {
		if u.ID == "" {
			return 0, fmt.Errorf("seed user without id")
		}
		users[u.ID] = true
		store.AddUser(&models.User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
	}
	for _, c := range seed.Conversations {
		if c.ID == "" || len(c.Participants) != 2 {
			return 0, fmt.Errorf("seed conversation %q needs an id and exactly two participants", c.ID)
		}
		for _, p := range c.Participants {
			if !users[p] {
				return 0, fmt.Errorf("seed conversation %q references unknown user %q", c.ID, p)
			}
		}
		store.AddConversation(&models.Conversation{
			ID:             c.ID,
			ParticipantOne: c.Participants[0],
			ParticipantTwo: c.Participants[1],
		})
	}
	for _, pair := range seed.Friendships {
		if len(pair) != 2 || !users[pair[0]] || !users[pair[1]] {
			return 0, fmt.Errorf("seed friendship %v must name two known users", pair)
		}
		store.AddFriendship(pair[0], pair[1])
	}
	return len(seed.Users), nil
}
