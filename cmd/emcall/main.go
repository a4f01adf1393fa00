package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/marove/emcall/internal/agent"
	"github.com/marove/emcall/internal/audio"
	"github.com/marove/emcall/internal/config"
	"github.com/marove/emcall/internal/report"
	"github.com/marove/emcall/internal/video"
	"github.com/marove/emcall/internal/voice"
)

const targetRate = 16000

func main() {
	cfg := config.Load()

	videoPath := flag.String("video", "", "video file to upload and analyze")
	title := flag.String("title", "", "optional upload title")
	desc := flag.String("description", "", "optional upload description")
	prompt := flag.String("prompt", "Summarize the incident shown in this video for an emergency dispatcher.", "analysis prompt")
	call := flag.Bool("call", false, "start a voice conversation (seeded with the report when -video is given)")
	ptt := flag.Bool("ptt", false, "push-to-talk mode: hold audio only while toggled on")
	agentID := flag.String("agent", cfg.ElevenLabsAgentID, "existing agent id (skips provisioning)")
	flag.Parse()

	if *videoPath == "" && !*call {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var reportText string
	if *videoPath != "" {
		text, err := runVideoAnalysis(ctx, cfg, *videoPath, *title, *desc, *prompt)
		if err != nil {
			log.Fatalf("video analysis: %v", err)
		}
		reportText = text
	}

	if *call {
		if err := runConversation(ctx, cfg, reportText, *agentID, *ptt); err != nil {
			log.Fatalf("conversation: %v", err)
		}
	}
}

func runVideoAnalysis(ctx context.Context, cfg config.Config, path, title, desc, prompt string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	vc := video.NewClient(cfg.VideoAPIURL, cfg.VideoAPIKey)
	lastPct := -1
	res, err := vc.Upload(ctx, filepath.Base(path), f, info.Size(), video.UploadMeta{Title: title, Description: desc},
		func(loaded, total int64) {
			if total <= 0 {
				return
			}
			if pct := int(loaded * 100 / total); pct != lastPct {
				lastPct = pct
				log.Printf("upload: %d%%", pct)
			}
		})
	if err != nil {
		return "", err
	}
	log.Printf("uploaded video=%s status=%s", res.VideoNo, res.VideoStatus)

	segments, err := vc.AwaitTranscription(ctx, res.VideoNo)
	if err != nil {
		if errors.Is(err, video.ErrPollTimeout) {
			return "", fmt.Errorf("video never became ready: %w", err)
		}
		return "", err
	}
	log.Printf("transcription ready: %d segments", len(segments))

	rc := report.NewClient(cfg.VideoAPIURL, cfg.VideoAPIKey)
	var rep report.Report
	sessionID, err := rc.Generate(ctx, report.Request{VideoNos: []string{res.VideoNo}, Prompt: prompt}, func(ev report.Event) {
		rep.Apply(ev)
		switch e := ev.(type) {
		case report.Thinking:
			log.Printf("analyzing: %s", e.Title)
		case report.ContentChunk:
			fmt.Print(e.Text)
		}
	})
	fmt.Println()
	if err != nil {
		var se *report.StreamError
		if errors.As(err, &se) && se.Partial {
			log.Printf("report stream interrupted, keeping partial report: %v", se.Err)
			return rep.Text(), nil
		}
		return "", err
	}
	log.Printf("report complete session=%s", sessionID)
	return rep.Text(), nil
}

func runConversation(ctx context.Context, cfg config.Config, reportText, agentID string, ptt bool) error {
	channelCfg := voice.ChannelConfig{APIKey: cfg.ElevenLabsKey}
	if cfg.VoiceWSURL != "" {
		channelCfg.BaseURL = cfg.VoiceWSURL
	}
	ch := voice.NewChannel(channelCfg)

	capture := audio.NewCapture(audio.NewMic(), audio.CaptureConfig{
		DeviceRate: cfg.CaptureRate,
		TargetRate: targetRate,
		CanSend:    func() bool { return ch.State() == voice.StateConnected },
	})

	agentCfg := voice.AgentConfig{
		Name:         "emcall dispatcher",
		Prompt:       callPrompt(reportText),
		FirstMessage: "This is an automated emergency notification call. Can you hear me?",
		Language:     "en",
		InputFormat:  "pcm_16000",
		OutputFormat: "pcm_16000",
	}

	// Playback decodes whatever format the agent was provisioned with.
	codec, playRate, err := audio.CodecForFormat(agentCfg.OutputFormat)
	if err != nil {
		return err
	}
	dec, err := audio.NewDecoder(codec, playRate)
	if err != nil {
		return err
	}
	playback := audio.NewQueue(audio.NewSpeaker(playRate), dec, playRate)

	prov := voice.NewProvisioner(cfg.ElevenLabsKey)
	if cfg.VoiceAPIURL != "" {
		prov.BaseURL = cfg.VoiceAPIURL
	}

	mode := agent.ModeContinuous
	if ptt {
		mode = agent.ModePushToTalk
	}

	done := make(chan struct{})
	sess := agent.NewSession(prov, ch, capture, playback, agent.Config{
		AgentID: agentID,
		Agent:   agentCfg,
		Mode:    mode,
		OnTranscript: func(e agent.TranscriptEntry) {
			log.Printf("[%s] %s", e.Role, e.Text)
		},
		OnState: func(st agent.State) {
			log.Printf("session state: %s", st)
			if st == agent.StateEnded || st == agent.StateFailed {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
		OnMicError: func(err error) {
			log.Printf("microphone unavailable, continuing without outbound audio: %v", err)
		},
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.End()

	if ptt {
		go pushToTalkLoop(ctx, sess)
		log.Printf("push-to-talk: press Enter to toggle the mic")
	}

	select {
	case <-ctx.Done():
		sess.End()
	case <-done:
	}

	log.Printf("conversation lasted %s, %d transcript lines", sess.Duration(), len(sess.Transcript()))
	return nil
}

func pushToTalkLoop(ctx context.Context, sess *agent.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	talking := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		talking = !talking
		sess.Talk(talking)
		if talking {
			log.Printf("mic open")
		} else {
			log.Printf("mic closed")
		}
	}
}

func callPrompt(reportText string) string {
	var b strings.Builder
	b.WriteString("You are an emergency notification agent calling a dispatcher. ")
	b.WriteString("Speak clearly and briefly, confirm the dispatcher can hear you, ")
	b.WriteString("and relay the incident details. Answer follow-up questions from the report only.")
	if reportText != "" {
		b.WriteString("\n\nIncident report:\n")
		b.WriteString(reportText)
	}
	return b.String()
}
