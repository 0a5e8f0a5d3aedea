// Package slack is a minimal Slack Web API client covering the two calls
// the bridge needs: chat.postMessage and chat.update.
package slack
