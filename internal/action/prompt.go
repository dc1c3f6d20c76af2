package action

// Catalog lists the commands the model may emit. The chat turn and the
// agent both embed it in their system instructions.
const Catalog = `Commands (one JSON object each, tagged by "action"):
- {"action":"create_idea","content":string,"tags":[string]}
- {"action":"create_poll","title":string,"description":string,"type":"single_choice"|"multiple_choice"|"open_text","options":[string],"accessCode":string}
  choice polls need at least 2 options, open_text polls none.
- {"action":"schedule_task","title":string,"triggerAt":epoch milliseconds,"recurrence":null|"minutes:N"|"hours:N"|"daily"|"weekly"|"monthly","scheduledAction":<command>}
- {"action":"list_tasks"}
- {"action":"cancel_task","taskId":string}
- {"action":"reminder","message":string}
- {"action":"navigate","path":string}
- {"action":"trigger_external_workflow","event":string,"payload":object}
- {"action":"ai_agent","prompt":string,"contextScope":["notes","tasks","memories"]}
- {"action":"chat","message":string}`

const agentInstructions = `You are the user's productivity assistant running unattended.
Decide what to do using only the context below. Never invent notes, tasks,
memories or facts that are not in the context.
Reply with a single JSON object {"actions":[...]} and nothing else. Use an
empty array when nothing needs doing.

` + Catalog
