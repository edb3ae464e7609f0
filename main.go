package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coltonsteinbeck/silo-sub001/activity"
	"github.com/coltonsteinbeck/silo-sub001/bot"
	"github.com/coltonsteinbeck/silo-sub001/config"
	"github.com/coltonsteinbeck/silo-sub001/realtime"
	"github.com/coltonsteinbeck/silo-sub001/voice"
	"github.com/coltonsteinbeck/silo-sub001/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	discordCmd.Flags().
		String("guild", "", "Restrict the bot to one guild ID")
	rootCmd.AddCommand(discordCmd)
	rootCmd.AddCommand(voicesCmd)

	rootCmd.PersistentFlags().String("discord-token", "", "Discord bot token")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("voice", "alloy", "Voice for spoken replies")
	rootCmd.PersistentFlags().String("greeting", "", "Spoken greeting when a session starts")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP status server port")

	viper.BindPFlag(
		"discord_token",
		rootCmd.PersistentFlags().Lookup("discord-token"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag("voice", rootCmd.PersistentFlags().Lookup("voice"))
	viper.BindPFlag("greeting", rootCmd.PersistentFlags().Lookup("greeting"))
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	config.SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)
}

var rootCmd = &cobra.Command{
	Use:   "silo",
	Short: "Silo is a Discord bot for spoken conversations with a language model",
	Long:  `Silo joins Discord voice channels and holds realtime spoken conversations, with transcripts relayed to the text channel.`,
}

var discordCmd = &cobra.Command{
	Use:   "discord",
	Short: "Start the Discord bot",
	Run:   runDiscord,
}

func runDiscord(cmd *cobra.Command, args []string) {
	settings, err := config.FromViper()
	if err != nil {
		logger.Fatal("load configuration", "error", err.Error())
	}
	guildID, _ := cmd.Flags().GetString("guild")

	discord, err := discordgo.New("Bot " + settings.DiscordToken)
	if err != nil {
		logger.Fatal("create discord session", "error", err.Error())
	}
	discord.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates

	tracker := activity.NewTracker()
	transport := voice.NewDiscordTransport(discord, logger.With().WithPrefix("vox"))
	registry := voice.NewRegistry(transport, tracker, voice.RegistryConfig{
		ConnectTimeout:  settings.ConnectTimeout,
		ReconnectWindow: settings.ReconnectWindow,
		Greeting:        settings.Greeting,
		Link: realtime.Config{
			APIKey:          settings.OpenAIKey,
			Model:           settings.Model,
			Voice:           settings.Voice,
			Instructions:    settings.Instructions,
			VADThreshold:    settings.VADThreshold,
			PrefixPadding:   settings.PrefixPadding,
			SilenceDuration: settings.SilenceDuration,
		},
	}, logger.With().WithPrefix("link"))

	b, err := bot.New(discord, registry, guildID, logger.With().WithPrefix("chat"))
	if err != nil {
		logger.Fatal("start discord bot", "error", err.Error())
	}
	defer b.Close()

	go func() {
		if err := web.Serve(settings.HTTPPort, registry, tracker, logger.With().WithPrefix("http")); err != nil {
			logger.Error("http server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc
	logger.Info("shutting down")
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the available reply voices",
	Run:   runListVoices,
}

func runListVoices(cmd *cobra.Command, args []string) {
	voices := [][]string{
		{"alloy", "neutral, balanced"},
		{"ash", "calm, low"},
		{"ballad", "soft, melodic"},
		{"coral", "bright, friendly"},
		{"echo", "deep, resonant"},
		{"sage", "warm, measured"},
		{"shimmer", "light, expressive"},
		{"verse", "clear, versatile"},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Voice", "Character"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, v := range voices {
		table.Append(v)
	}
	table.Render()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
