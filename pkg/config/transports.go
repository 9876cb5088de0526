package config

// HandlerConfig describes one transport handler and its endpoints.
// Example YAML:
// handlers:
//   - id: lan0
//     kind: tcp
//     listen: [":7777"]
//     dial:
//       - address: "10.0.0.2:7777"
//         peer_id: "3f0c5a1e-8d7b-4c2e-9a61-0b5d2e7f4c11"
//   - id: lan1
//     kind: quic
//     listen: [":4433"]
//   - id: sim
//     kind: mem
//     listen: ["node-a"]
type HandlerConfig struct {
    ID     string           `mapstructure:"id"`
    Kind   string           `mapstructure:"kind"`
    Listen []string         `mapstructure:"listen"`
    Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup. PeerID is the
// expected device uuid and may be empty.
type PeerDialConfig struct {
    Address string `mapstructure:"address"`
    PeerID  string `mapstructure:"peer_id"`
}
