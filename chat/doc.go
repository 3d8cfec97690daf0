// Package chat connects the bot to Twitch IRC.
//
// Client wraps go-twitch-irc: inbound PRIVMSGs are converted into
// command.Message and command.Invoker values and handed to a Handler on their
// own goroutine, tagged with a correlation id. Say and Reply post to the channel.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes. When TWITCH_OAUTH_TOKEN is not provided, main
// reuses the stored token for provider "twitch" and SetToken swaps it after
// each refresh.
package chat
