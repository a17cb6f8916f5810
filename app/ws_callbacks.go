package directchat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/putto11262002/directchat/core"
	"github.com/samber/lo"
)

const presencePageSize = 100

// counterparts returns everyone the participant has a conversation with.
func (a *App) counterparts(ctx context.Context, participant string) ([]string, error) {
	var others []string
	for offset := 0; ; offset += presencePageSize {
		rooms, err := a.chat.ListConversations(ctx, participant, core.ListRoomsOptions{
			Offset: offset,
			Limit:  presencePageSize,
		})
		if err != nil {
			return nil, err
		}
		others = append(others, lo.Map(rooms, func(room core.Room, _ int) string {
			return room.Other(participant)
		})...)
		if len(rooms) < presencePageSize {
			return others, nil
		}
	}
}

func (a *App) broadcastPresence(eventType, participant string) {
	if a.context.Err() != nil {
		return
	}
	others, err := a.counterparts(a.context, participant)
	if err != nil {
		a.logger.Error(fmt.Sprintf("%s presence: %v", eventType, err), "participant", participant)
		return
	}
	if len(others) == 0 {
		return
	}
	if err := a.eventRouter.EmitTo(eventType, PresenceEventPayload{Participant: participant}, others...); err != nil {
		a.logger.Error(err.Error())
	}
}

func (a *App) onUserConnect(participant string) {
	a.broadcastPresence(OnlineEvent, participant)
}

func (a *App) onUserDisconnect(participant string) {
	a.broadcastPresence(OfflineEvent, participant)
}

// onConnectionOpen tells the new connection which counterparts are online.
func (a *App) onConnectionOpen(participant string, id int) {
	others, err := a.counterparts(a.context, participant)
	if err != nil {
		a.logger.Error(fmt.Sprintf("online roster: %v", err), "participant", participant)
		return
	}
	for _, other := range lo.Filter(others, func(p string, _ int) bool {
		return a.wsManager.IsUserConnected(p)
	}) {
		b, err := json.Marshal(PresenceEventPayload{Participant: other})
		if err != nil {
			a.logger.Error(err.Error())
			return
		}
		a.wsManager.SendToConn(&core.Event{Type: OnlineEvent, Payload: b}, participant, id)
	}
}
