package tilegate

import (
	"fmt"

	"github.com/paulmach/protoscan"
)

// Vector tile field numbers from the Mapbox Vector Tile 2.1 schema.
const (
	mvtFieldLayer     = 3
	mvtLayerFieldName = 1
)

// ScanLayerNames decodes the layer names of one vector tile without parsing
// features. Gzip-wrapped tiles are decompressed first.
func ScanLayerNames(data []byte) ([]string, error) {
	decoded := data
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		var err error
		decoded, err = GunzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress vector tile: %w", err)
		}
	}

	var names []string
	var m *protoscan.Message
	msg := protoscan.New(decoded)
	for msg.Next() {
		switch msg.FieldNumber() {
		case mvtFieldLayer:
			var err error
			m, err = msg.Message(m)
			if err != nil {
				return nil, fmt.Errorf("failed to decode layer: %w", err)
			}
			name, err := scanLayerName(m)
			if err != nil {
				return nil, err
			}
			if name != "" {
				names = append(names, name)
			}
		default:
			msg.Skip()
		}
	}
	if msg.Err() != nil {
		return nil, fmt.Errorf("failed to decode vector tile: %w", msg.Err())
	}
	return names, nil
}

func scanLayerName(msg *protoscan.Message) (string, error) {
	name := ""
	for msg.Next() {
		if msg.FieldNumber() == mvtLayerFieldName {
			n, err := msg.String()
			if err != nil {
				return "", fmt.Errorf("failed to decode layer name: %w", err)
			}
			name = n
		} else {
			msg.Skip()
		}
	}
	return name, msg.Err()
}
