package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dTS/rpc/common"
)

// NewJSONSerializer creates a serializer using json encoding.
// Payloads are base64 strings, which makes it the slowest option but easy to
// inspect with redis-cli.
func NewJSONSerializer() IRPCSerializer {
	return jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

func (jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json: encode %s message: %w", msg.MsgType, err)
	}
	return b, nil
}

// Deserialize resets msg first, omitted fields would otherwise keep their old values
func (jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if err := json.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("json: decode message: %w", err)
	}
	return nil
}
