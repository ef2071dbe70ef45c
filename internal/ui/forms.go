package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/jones/aptracker/internal/remote"
)

// ValidateRoomCode checks a room code typed by the user.
func ValidateRoomCode(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("room code is required")
	}
	if strings.ContainsAny(s, " \t/") {
		return fmt.Errorf("room code must not contain spaces or slashes")
	}
	return nil
}

// ValidateAlias checks a room alias typed by the user.
func ValidateAlias(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("alias is required")
	}
	if len([]rune(s)) > 64 {
		return fmt.Errorf("alias must be at most 64 characters")
	}
	return nil
}

// AddRoomForm asks for a room code and alias. Fields already set in req are
// used as defaults.
func AddRoomForm(req remote.AddRoomRequest) (remote.AddRoomRequest, error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Room code").
				Description("The room id shown by the Archipelago server").
				Value(&req.RoomCode).
				Validate(ValidateRoomCode),
			huh.NewInput().
				Title("Alias").
				Description("A name to show for this room").
				Value(&req.Alias).
				Validate(ValidateAlias),
		),
	)
	if err := form.Run(); err != nil {
		return remote.AddRoomRequest{}, err
	}
	req.RoomCode = strings.TrimSpace(req.RoomCode)
	req.Alias = strings.TrimSpace(req.Alias)
	return req, nil
}

// ConfirmForm asks a yes/no question.
func ConfirmForm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&ok).Run()
	return ok, err
}

// SlotOptions builds the multi-select options for players, preselecting the
// tracked ones.
func SlotOptions(players []remote.Player) []huh.Option[int] {
	opts := make([]huh.Option[int], 0, len(players))
	for _, p := range players {
		label := fmt.Sprintf("%s (%s)", p.DisplayName(), p.GameName())
		opts = append(opts, huh.NewOption(label, p.SlotID).Selected(p.IsTracked))
	}
	return opts
}

// TrackedSlotsForm lets the user pick which slots of a room to track.
func TrackedSlotsForm(roomName string, players []remote.Player) ([]int, error) {
	var selected []int
	for _, p := range players {
		if p.IsTracked {
			selected = append(selected, p.SlotID)
		}
	}
	err := huh.NewMultiSelect[int]().
		Title("Tracked slots in " + roomName).
		Options(SlotOptions(players)...).
		Filterable(true).
		Value(&selected).
		Run()
	if err != nil {
		return nil, err
	}
	if selected == nil {
		selected = []int{}
	}
	return selected, nil
}
