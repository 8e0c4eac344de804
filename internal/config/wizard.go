package config

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Toolplane Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Data directory
	fmt.Print("Data directory (press Enter for $HOME/.toolplane): ")
	dataDir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	fmt.Println()

	// Gateway
	fmt.Println("Gateway (JSON-RPC surface agents connect to):")
	fmt.Println()

	fmt.Printf("Listen port [%d]: ", cfg.Gateway.Port)
	portStr, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Printf("Warning: invalid port %q, using default (%d)\n", portStr, cfg.Gateway.Port)
		} else {
			cfg.Gateway.Port = port
		}
	}

	for {
		fmt.Print("Shared secret for client auth (press Enter to generate): ")
		secret, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if secret == "" {
			secret, err = generateKey(32)
			if err != nil {
				return nil, err
			}
			fmt.Printf("Generated shared secret: %s\n", secret)
			fmt.Println("Agents must present this secret during the connection handshake.")
			cfg.Gateway.SharedSecret = secret
			break
		}

		if err := validator.ValidateSharedSecret(secret); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Gateway.SharedSecret = secret
		break
	}

	fmt.Println()

	// Capability credentials
	fmt.Println("Capability credentials:")
	fmt.Println()

	for {
		fmt.Print("Credential signing key (press Enter to generate): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			key, err = generateKey(32)
			if err != nil {
				return nil, err
			}
			fmt.Printf("Generated signing key: %s\n", key)
			fmt.Println("The credential issuer must sign tokens with this key.")
			cfg.Permission.SigningKey = key
			break
		}

		if err := validator.ValidateSigningKey(key); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Permission.SigningKey = key
		break
	}

	fmt.Print("Encrypt stored tool secrets at rest? (y/n) [y]: ")
	encryptAnswer, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if encryptAnswer == "" || strings.ToLower(encryptAnswer) == "y" {
		masterKey, err := generateKey(32)
		if err != nil {
			return nil, err
		}
		cfg.Credentials.MasterKey = masterKey
		fmt.Printf("Generated master key: %s\n", masterKey)
		fmt.Println("Store this key safely; stored secrets are unreadable without it.")
	}

	fmt.Println()

	// Webhook ingress
	fmt.Print("Enable webhook ingress for policy/approval events? (y/n) [n]: ")
	webhookAnswer, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(webhookAnswer) == "y" {
		cfg.Webhook.Enabled = true

		fmt.Printf("Webhook port [%d]: ", cfg.Webhook.Port)
		webhookPortStr, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if webhookPortStr != "" {
			port, err := strconv.Atoi(webhookPortStr)
			if err != nil || port <= 0 || port > 65535 {
				fmt.Printf("Warning: invalid port %q, using default (%d)\n", webhookPortStr, cfg.Webhook.Port)
			} else {
				cfg.Webhook.Port = port
			}
		}

		fmt.Print("Webhook HMAC secret (press Enter to generate): ")
		hookSecret, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if hookSecret == "" {
			hookSecret, err = generateKey(32)
			if err != nil {
				return nil, err
			}
			fmt.Printf("Generated webhook secret: %s\n", hookSecret)
		}
		cfg.Webhook.Secret = hookSecret
	}

	fmt.Println()

	// Bridge
	for {
		fmt.Print("Agent-runtime bridge URL (ws:// or wss://, press Enter to skip): ")
		bridgeURL, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if bridgeURL == "" {
			break
		}

		if err := validator.ValidateBridgeURL(bridgeURL); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Bridge.URL = bridgeURL
		break
	}

	fmt.Println()

	// Sandbox
	for {
		fmt.Print("Sandbox runtime (host/docker) [host]: ")
		runtime, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if runtime == "" {
			break
		}

		if err := validator.ValidateSandboxRuntime(runtime); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Sandbox.Runtime = runtime
		break
	}

	if cfg.Sandbox.Runtime == "docker" {
		fmt.Print("Docker image for tool sandboxes: ")
		image, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if image != "" {
			cfg.Sandbox.DockerImage = image
		}
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// generateKey returns a base64 key over n random bytes.
func generateKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
