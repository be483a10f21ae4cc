// # Primer realtime voice companion
//
// This module lets a parent store their own OpenAI API key and then lets a child talk by voice with a friendly tutor ("Primer") over the OpenAI Realtime API. The root package holds the transport side: a WebRTC [Client] that negotiates the call with a short-lived key, the wire events of the data channel, and a [Session] that turns those wire events into a small agent event taxonomy (connection_change, agent_start, audio_start, audio_stopped, ...) and runs function tools. The conversation state machine that consumes those events lives in the agents package.
package realtime
