package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the process runner MQTT hierarchy.
const (
	// TopicPrefix is the root of every topic published or subscribed to.
	TopicPrefix = "processrunner"

	// TopicPrefixRunner is the base for per-runner topics.
	TopicPrefixRunner = TopicPrefix + "/runner"

	// TopicPrefixSystem is the base for daemon-level topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for process runner MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.RunnerCommand("game-server")
//	// Returns: "processrunner/runner/game-server/command"
type Topics struct{}

// RunnerCommand returns the topic remote clients publish commands to.
//
// Example: processrunner/runner/game-server/command
func (Topics) RunnerCommand(runnerID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixRunner, runnerID)
}

// RunnerEvent returns the topic lifecycle events are published on.
//
// Example: processrunner/runner/game-server/event
func (Topics) RunnerEvent(runnerID string) string {
	return fmt.Sprintf("%s/%s/event", TopicPrefixRunner, runnerID)
}

// RunnerState returns the retained topic carrying the runner's latest state.
//
// Example: processrunner/runner/game-server/state
func (Topics) RunnerState(runnerID string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixRunner, runnerID)
}

// RunnerOutput returns the topic child output lines are relayed on.
//
// Example: processrunner/runner/game-server/output
func (Topics) RunnerOutput(runnerID string) string {
	return fmt.Sprintf("%s/%s/output", TopicPrefixRunner, runnerID)
}

// SystemStatus returns the daemon status topic (online/offline, LWT).
//
// Example: processrunner/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllRunnerCommands matches the command topic of every runner.
//
// Pattern: processrunner/runner/+/command
func (Topics) AllRunnerCommands() string {
	return TopicPrefixRunner + "/+/command"
}

// RunnerIDFromTopic extracts the runner id from a per-runner topic.
// It returns false when topic is not under processrunner/runner/.
func RunnerIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixRunner+"/")
	if !ok {
		return "", false
	}
	id, leaf, ok := strings.Cut(rest, "/")
	if !ok || id == "" || leaf == "" {
		return "", false
	}
	return id, true
}
