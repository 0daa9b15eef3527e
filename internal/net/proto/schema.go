package proto

import "github.com/invopop/jsonschema"

// Schemas documents the wire messages for client tooling, keyed by direction.
func Schemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}

	client := reflector.Reflect(new(ClientMessage))
	client.Title = "Tower Arena client message"
	client.Description = "Inbound websocket frame. Fields are read according to type."

	server := reflector.Reflect(new(ServerMessage))
	server.Title = "Tower Arena server message"
	server.Description = "Outbound websocket envelope. Payload shape depends on type."

	return map[string]*jsonschema.Schema{
		"client": client,
		"server": server,
	}
}
