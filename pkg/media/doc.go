// Package media медиа слой звонка: RTP поток G.711 поверх UDP,
// согласование SDP, воспроизведение WAV файлов, DTMF по RFC 4733 и
// тональный (in-band) DTMF, а также мост между двумя сессиями.
//
// Сессия создается до отправки или приема INVITE, чтобы порт был известен
// при формировании SDP:
//
//	sess, err := media.NewSession(media.Config{DSCP: 46})
//	offer, err := sess.Offer()
//	// ... получен ответ собеседника
//	err = sess.ApplyAnswer(answer)
//	sess.Start()
//
//	pcm, err := media.LoadWAV("greeting.wav")
//	<-sess.Play(pcm).Done()
//
// Все аудио внутри пакета это 16-битные моно отсчеты с частотой 8 кГц.
package media
