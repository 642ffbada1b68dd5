package storysync

import (
	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/stories"
)

type updateStoryArgsPayload struct {
	StoryID     string         `json:"storyId"`
	UpdatedArgs map[string]any `json:"updatedArgs"`
}

type resetStoryArgsPayload struct {
	StoryID  string   `json:"storyId"`
	ArgNames []string `json:"argNames,omitempty"`
}

// UpdateArgs asks the renderer owning story to apply patch. The hash is not
// touched; the story-args-updated confirmation does that.
func UpdateArgs(story *stories.Node, patch map[string]any) (Command, error) {
	if story == nil || !story.IsEntry() {
		return nil, ErrStoryNotFound
	}
	msg, err := channel.NewMessage(MessageUpdateStoryArgs, updateStoryArgsPayload{
		StoryID:     story.ID,
		UpdatedArgs: patch,
	}, channel.TargetFor(story.RefID))
	if err != nil {
		return nil, err
	}
	return Emit{Message: msg}, nil
}

// ResetArgs asks the renderer owning story to reset argNames, or every arg
// when argNames is empty.
func ResetArgs(story *stories.Node, argNames []string) (Command, error) {
	if story == nil || !story.IsEntry() {
		return nil, ErrStoryNotFound
	}
	msg, err := channel.NewMessage(MessageResetStoryArgs, resetStoryArgsPayload{
		StoryID:  story.ID,
		ArgNames: argNames,
	}, channel.TargetFor(story.RefID))
	if err != nil {
		return nil, err
	}
	return Emit{Message: msg}, nil
}
