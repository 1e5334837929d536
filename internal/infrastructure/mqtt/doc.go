// Package mqtt provides the broker connection behind the remote-control hub.
//
// The daemon publishes runner lifecycle events, retained runner state and
// (throttled) output lines, and accepts commands from remote clients:
//
//	processrunner/runner/{id}/command   <- {"command":"restart"}
//	processrunner/runner/{id}/event     -> started / stopped / crashed
//	processrunner/runner/{id}/state     -> retained latest state
//	processrunner/runner/{id}/output    -> child stdout lines
//	processrunner/system/status         -> retained online/offline (LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRunnerCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.RunnerIDFromTopic(topic)
//	        return hub.HandleCommand(id, payload)
//	    })
//
// Handlers are wrapped with panic recovery; errors they return are logged
// through the Logger set with SetLogger.
package mqtt
