// Package bot wires Discord gateway events to the voice registry.
package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/coltonsteinbeck/silo-sub001/realtime"
	"github.com/coltonsteinbeck/silo-sub001/voice"
)

type CommandHandler func(m *discordgo.MessageCreate, args []string) error

// Bot translates chat commands and voice-state events into registry
// operations.
type Bot struct {
	log      *log.Logger
	conn     *discordgo.Session
	registry *voice.Registry

	commands map[string]CommandHandler

	guildID string
}

// New builds the bot on an already-created gateway session and opens the
// connection. Pass a guild ID to restrict the bot to one guild; empty means
// every guild it is invited to.
func New(conn *discordgo.Session, registry *voice.Registry, guildID string, logger *log.Logger) (*Bot, error) {
	bot := &Bot{
		log:      logger,
		conn:     conn,
		registry: registry,
		commands: make(map[string]CommandHandler),
		guildID:  guildID,
	}

	bot.registerCommands()

	bot.conn.AddHandler(bot.handleGuildCreate)
	bot.conn.AddHandler(bot.handleVoiceStateUpdate)
	bot.conn.AddHandler(bot.handleMessageCreate)

	if err := bot.conn.Open(); err != nil {
		return nil, fmt.Errorf("error opening connection: %w", err)
	}

	bot.log.Info("bot connected")
	return bot, nil
}

func (bot *Bot) registerCommands() {
	bot.commands["join"] = bot.handleJoinCommand
	bot.commands["leave"] = bot.handleLeaveCommand
	bot.commands["talk"] = bot.handleTalkCommand
	bot.commands["quiet"] = bot.handleQuietCommand
}

func (bot *Bot) Close() error {
	bot.registry.Shutdown()
	return bot.conn.Close()
}

func (bot *Bot) handleGuildCreate(_ *discordgo.Session, event *discordgo.GuildCreate) {
	bot.log.Info("joined", "guild", event.Guild.Name, "id", event.Guild.ID)
}

func (bot *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if bot.guildID != "" && m.GuildID != bot.guildID {
		return
	}
	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	args := strings.Fields(m.Content[1:])
	if len(args) == 0 {
		return
	}

	handler, exists := bot.commands[args[0]]
	if !exists {
		return
	}

	if err := handler(m, args[1:]); err != nil {
		bot.log.Error("command failed", "command", args[0], "error", err.Error())
		bot.sendMessage(m.ChannelID, fmt.Sprintf("Error: %s", err.Error()))
	}
}

func (bot *Bot) handleJoinCommand(m *discordgo.MessageCreate, _ []string) error {
	channelID, err := bot.findVoiceChannel(m.GuildID, m.Author.ID)
	if err != nil {
		return err
	}
	if err := bot.registry.JoinChannel(m.GuildID, channelID); err != nil {
		return err
	}
	bot.sendMessage(m.ChannelID, "Joined your voice channel.")
	return nil
}

func (bot *Bot) handleLeaveCommand(m *discordgo.MessageCreate, _ []string) error {
	if err := bot.registry.LeaveGuild(m.GuildID); err != nil {
		return err
	}
	bot.sendMessage(m.ChannelID, "Left the voice channel.")
	return nil
}

func (bot *Bot) handleTalkCommand(m *discordgo.MessageCreate, _ []string) error {
	obs := &transcriptRelay{bot: bot, channelID: m.ChannelID, userID: m.Author.ID}
	err := bot.registry.StartSpeaking(context.Background(), m.GuildID, m.Author.ID, obs)
	if err != nil {
		return err
	}
	bot.sendMessage(m.ChannelID, "Listening. Type !quiet to stop.")
	return nil
}

func (bot *Bot) handleQuietCommand(m *discordgo.MessageCreate, _ []string) error {
	if !bot.registry.StopSpeaking(m.GuildID, m.Author.ID) {
		bot.sendMessage(m.ChannelID, "You don't have an active session.")
		return nil
	}
	bot.sendMessage(m.ChannelID, "Stopped listening.")
	return nil
}

// handleVoiceStateUpdate ends a member's session when they leave the voice
// channel the bot is in.
func (bot *Bot) handleVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if !bot.registry.IsSpeaking(v.GuildID, v.UserID) {
		return
	}
	if v.ChannelID == "" {
		bot.log.Info("member left voice, ending session", "guild", v.GuildID, "user", v.UserID)
		bot.registry.StopSpeaking(v.GuildID, v.UserID)
	}
}

// findVoiceChannel returns the voice channel the member currently occupies.
func (bot *Bot) findVoiceChannel(guildID, userID string) (string, error) {
	guild, err := bot.conn.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("guild not in state cache: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", fmt.Errorf("you are not in a voice channel")
}

func (bot *Bot) sendMessage(channelID, content string) {
	if _, err := bot.conn.ChannelMessageSend(channelID, content); err != nil {
		bot.log.Error("send message", "error", err.Error())
	}
}

// transcriptRelay posts the conversation's transcripts into the text channel
// the session was started from.
type transcriptRelay struct {
	realtime.NopObserver
	bot       *Bot
	channelID string
	userID    string
}

func (r *transcriptRelay) UserTranscript(text string) {
	if text == "" {
		return
	}
	r.bot.sendMessage(r.channelID, fmt.Sprintf("> <@%s>: %s", r.userID, text))
}

func (r *transcriptRelay) TranscriptDone(text string) {
	if text == "" {
		return
	}
	r.bot.sendMessage(r.channelID, text)
}

func (r *transcriptRelay) LinkError(err error) {
	r.bot.sendMessage(r.channelID, fmt.Sprintf("Voice session ended: %s", err.Error()))
}
