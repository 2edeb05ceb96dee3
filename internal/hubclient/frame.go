package hubclient

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cluster-hub/internal/wire"
)

func marshalFrame(msg *wire.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func unmarshalFrame(data []byte, msg *wire.Message) error {
	return json.Unmarshal(data, msg)
}

func newFrameID() string {
	return uuid.NewString()
}
