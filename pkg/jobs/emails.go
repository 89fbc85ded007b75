package jobs

import "fmt"

// Email subjects and HTML bodies, kept close to what the product sends.

const subjectConnectionRequest = "New Connection Request"

func bodyConnectionRequest(toName, fromName, fromUsername, frontURL string) string {
	return fmt.Sprintf(`
	<div style="font-family: Arial, sans-serif; padding:20px;">
	  <h2>Hi %s,</h2>
	  <p>You have a new connection request from %s (@%s)</p>
	  <p>Click <a href="%s/connections" style="color:#10b981;">here</a> to respond.</p>
	  <p>Thanks,<br/>PingUp</p>
	</div>`, toName, fromName, fromUsername, frontURL)
}

const subjectConnectionReminder = "Reminder: Connection Request"

func bodyConnectionReminder(toName, fromName, frontURL string) string {
	return fmt.Sprintf(`
	<div style="font-family: Arial, sans-serif; padding:20px;">
	  <h2>Hi %s,</h2>
	  <p>You still have a pending connection request from %s</p>
	  <p><a href="%s/connections" style="color:#10b981;">View request</a></p>
	</div>`, toName, fromName, frontURL)
}

func subjectUnseenDigest(count int) string {
	return fmt.Sprintf("You have %d unseen messages", count)
}

func bodyUnseenDigest(toName string, count int, frontURL string) string {
	return fmt.Sprintf(`
	<div style="font-family:Arial, sans-serif; padding:20px;">
	  <h2>Hi %s,</h2>
	  <p>You have %d unseen messages.</p>
	  <a href="%s/messages" style="color:#10b981;">View messages</a>
	</div>`, toName, count, frontURL)
}
