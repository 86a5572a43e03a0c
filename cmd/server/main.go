package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/duplexvoice/orchestrator/pkg/orchestrator"
	llmProvider "github.com/duplexvoice/orchestrator/pkg/providers/llm"
	sttProvider "github.com/duplexvoice/orchestrator/pkg/providers/stt"
	ttsProvider "github.com/duplexvoice/orchestrator/pkg/providers/tts"
	"github.com/duplexvoice/orchestrator/pkg/transport"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind host")
	port := flag.String("port", "8080", "bind port")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	zapProd, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init zap logger: %v", err)
	}
	defer zapProd.Sync()
	logger := orchestrator.NewZapLogger(zapProd.Sugar())

	stt := buildSTT()
	llm := buildLLM()
	tts := buildTTS()

	config := orchestrator.DefaultConfig()
	if v := os.Getenv("AGENT_LANGUAGE"); v != "" {
		config.Language = orchestrator.Language(v)
	}

	vad := orchestrator.NewRMSVAD(0.02, time.Duration(config.MinSilenceMs)*time.Millisecond)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	tools := orchestrator.NewDefaultToolRegistry(os.Getenv("SERPER_API_KEY"), httpClient)

	orch := orchestrator.NewWithTools(stt, llm, tts, vad, tools, config, logger)

	srv := transport.NewServer(orch, logger)

	addr := *host + ":" + *port
	logger.Info("orchestrator server starting", "addr", addr, "stt", stt.Name(), "llm", llm.Name(), "tts", tts.Name())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Mux(),
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
	}
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func buildSTT() orchestrator.STTProvider {
	name := os.Getenv("STT_PROVIDER")
	if name == "" {
		name = "groq"
	}

	switch name {
	case "openai":
		key := requireEnv("OPENAI_API_KEY", "openai STT")
		return sttProvider.NewOpenAISTT(key, "whisper-1")
	case "deepgram":
		key := requireEnv("DEEPGRAM_API_KEY", "deepgram STT")
		return sttProvider.NewDeepgramSTT(key)
	case "assemblyai":
		key := requireEnv("ASSEMBLYAI_API_KEY", "assemblyai STT")
		return sttProvider.NewAssemblyAISTT(key)
	case "groq":
		fallthrough
	default:
		key := requireEnv("GROQ_API_KEY", "groq STT")
		model := os.Getenv("GROQ_STT_MODEL")
		if model == "" {
			model = "whisper-large-v3-turbo"
		}
		return sttProvider.NewGroqSTT(key, model)
	}
}

func buildLLM() orchestrator.LLMProvider {
	name := os.Getenv("LLM_PROVIDER")
	if name == "" {
		name = "anthropic"
	}

	switch name {
	case "openai":
		key := requireEnv("OPENAI_API_KEY", "openai LLM")
		return llmProvider.NewOpenAILLM(key, "gpt-4o")
	case "google":
		key := requireEnv("GOOGLE_API_KEY", "google LLM")
		return llmProvider.NewGoogleLLM(key, "gemini-1.5-flash")
	case "groq":
		key := requireEnv("GROQ_API_KEY", "groq LLM")
		return llmProvider.NewGroqLLM(key, "llama-3.3-70b-versatile")
	case "anthropic":
		fallthrough
	default:
		key := requireEnv("ANTHROPIC_API_KEY", "anthropic LLM")
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		// anthropic is the only provider with StreamComplete, so tool-calling
		// (brain.go) only activates end-to-end when this is the selected LLM.
		return llmProvider.NewAnthropicLLM(key, model)
	}
}

func buildTTS() orchestrator.TTSProvider {
	key := requireEnv("LOKUTOR_API_KEY", "Lokutor TTS")
	return ttsProvider.NewLokutorTTS(key)
}

func requireEnv(name, purpose string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("Error: %s must be set for %s", name, purpose)
	}
	return v
}
