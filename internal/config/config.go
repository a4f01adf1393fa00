package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	ElevenLabsKey     string
	ElevenLabsAgentID string // optional; skips agent provisioning when set
	VoiceWSURL        string
	VoiceAPIURL       string

	VideoAPIURL string
	VideoAPIKey string

	CaptureRate int // native microphone rate
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - voice conversations will not work")
	}

	voiceWS := os.Getenv("VOICE_WS_URL")
	voiceAPI := os.Getenv("VOICE_API_URL")

	videoAPI := os.Getenv("VIDEO_API_URL")
	if videoAPI == "" {
		log.Println("Warning: VIDEO_API_URL not set - video upload and analysis will not work")
	}

	captureRate := 48000
	if v := os.Getenv("CAPTURE_SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			captureRate = n
		} else {
			log.Printf("Warning: invalid CAPTURE_SAMPLE_RATE=%q, using %d", v, captureRate)
		}
	}

	return Config{
		ElevenLabsKey:     elevenKey,
		ElevenLabsAgentID: os.Getenv("ELEVENLABS_AGENT_ID"),
		VoiceWSURL:        voiceWS,
		VoiceAPIURL:       voiceAPI,
		VideoAPIURL:       videoAPI,
		VideoAPIKey:       os.Getenv("VIDEO_API_KEY"),
		CaptureRate:       captureRate,
	}
}
